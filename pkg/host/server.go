package host

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func InstallHandler(group *gin.RouterGroup, mgr *Manager) {
	group.GET("/host", getHost(mgr))
	group.GET("/host/gateway", getGatewayMeta(mgr))
	group.GET("/host/cpu", getHostCpu(mgr))
	group.GET("/host/mem", getHostMem(mgr))
	group.GET("/host/disk", getHostDisk(mgr))
}

func getHost(mgr *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, mgr.Snapshot(c.Request.Context()))
	}
}

func getGatewayMeta(mgr *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, mgr.GetGatewayMeta())
	}
}

func getHostCpu(mgr *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		cpu, err := mgr.getCpu(c.Request.Context())
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, ResponseModel{Cpus: cpu})
	}
}

func getHostMem(mgr *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		mem, err := mgr.getMem(c.Request.Context())
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, ResponseModel{Mem: mem})
	}
}

func getHostDisk(mgr *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		disks, err := mgr.getDisks(c.Request.Context())
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, ResponseModel{Disks: disks})
	}
}
