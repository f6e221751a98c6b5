package generic

import (
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"
)

func Default() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logger(), gin.Recovery())
	return engine
}

func logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}
		status := c.Writer.Status()
		if status >= 500 {
			klog.V(2).InfoS("Received HTTP request",
				"verb", c.Request.Method,
				"URI", path,
				"status", status,
				"latency", time.Since(start),
				"client", c.ClientIP(),
			)
			return
		}
		klog.V(4).InfoS("Received HTTP request",
			"verb", c.Request.Method,
			"URI", path,
			"status", status,
			"latency", time.Since(start),
		)
	}
}
