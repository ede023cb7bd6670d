package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/jerry-enebeli/remit"
	"github.com/jerry-enebeli/remit/api/middleware"
	"github.com/jerry-enebeli/remit/config"
)

type Api struct {
	remit      *remit.Remit
	reconciler *remit.Reconciler
	router     *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/transfers", a.QueueTransfer)
	router.GET("/transfers/:id", a.GetTransfer)
	router.GET("/transfers", a.GetTransfers)

	router.POST("/accounts", a.CreateAccount)
	router.GET("/accounts/:id", a.GetAccount)

	router.GET("/dead-letters", a.GetDeadLetters)
	router.POST("/reconcile", a.Reconcile)
	return a.router
}

func NewAPI(r *remit.Remit) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	router := gin.Default()
	router.Use(otelgin.Middleware(conf.ProjectName))
	router.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		router.Use(middleware.SecretKeyAuthMiddleware())
	}

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{remit: r, reconciler: r.NewReconciler(), router: router}
}
