package tracing

import (
	"net/http"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/rebill/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// GinMiddleware opens a server span per operator request. The span carries the
// acting principal and, on subscription routes, the subscription id.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("rebill/http")
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		if id := obscontext.RequestIDFromContext(ctx); id != "" {
			if member, err := baggage.NewMember("request_id", id); err == nil {
				if bag, err := baggage.New(member); err == nil {
					ctx = baggage.ContextWithBaggage(ctx, bag)
				}
			}
		}

		ctx, span := tracer.Start(ctx, c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.route", route),
			),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		attrs := []attribute.KeyValue{attribute.Int("http.status_code", status)}
		if id := c.Param("id"); id != "" {
			attrs = append(attrs, attribute.String("subscription_id", id))
		}
		if kind, id := obscontext.ActorFromContext(c.Request.Context()); id != "" {
			attrs = append(attrs, attribute.String("actor.type", kind), attribute.String("actor.id", id))
		}
		// A decline is a charge outcome, not a failed request.
		if status == http.StatusPaymentRequired {
			attrs = append(attrs, attribute.Bool("charge.declined", true))
		}
		span.SetAttributes(SafeAttributes(attrs...)...)

		if status < http.StatusInternalServerError {
			return
		}
		if last := c.Errors.Last(); last != nil {
			if err := SafeError(last.Err); err != nil {
				span.RecordError(err)
			}
		}
		span.SetStatus(codes.Error, http.StatusText(status))
	}
}
