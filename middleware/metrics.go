package middleware

import (
	"context"
	"fmt"
	"time"

	awspkg "payment-webhook-service/pkg/aws"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/gin-gonic/gin"
)

// Metrics records request count and latency per route to CloudWatch. Data
// points are sent asynchronously so CloudWatch latency never sits on the
// request path.
func Metrics(metricsClient *awspkg.MetricsClient, serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !metricsClient.IsEnabled() {
			c.Next()
			return
		}

		start := time.Now()
		path := c.FullPath()
		method := c.Request.Method

		c.Next()

		duration := time.Since(start)
		statusCode := c.Writer.Status()

		dimensions := map[string]string{
			"Service": serviceName,
			"Method":  method,
			"Path":    path,
			"Status":  statusCodeToRange(statusCode),
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsClient.Count(ctx, "RequestCount", dimensions)
			_ = metricsClient.PutMetric(ctx, "RequestLatency", float64(duration.Milliseconds()), types.StandardUnitMilliseconds, dimensions)
		}()
	}
}

func statusCodeToRange(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}
