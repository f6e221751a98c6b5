package collector

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/antoine510/solar-mgr/pkg/apis/response"
)

func InstallHandler(group *gin.RouterGroup, c *Collector) {
	group.GET("/collector", getStatus(c))
	group.POST("/collector/poll", poll(c))
	group.POST("/collector/probe", probe(c))
}

func getStatus(collector *Collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, collector.Status())
	}
}

func poll(collector *Collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		measurements, err := collector.PollOnce(c.Request.Context())
		if err != nil {
			klog.V(2).InfoS("Failed to send polled measurements", "err", err)
			c.JSON(http.StatusBadGateway, response.NewMultiError(response.ErrSinkUnavailable(err)))
			return
		}
		c.JSON(http.StatusOK, gin.H{"measurements": measurements, "status": collector.Status()})
	}
}

func probe(collector *Collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, collector.Probe(c.Request.Context()))
	}
}
