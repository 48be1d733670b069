// Package feedgin mounts the distribution engine's web surface on a gin
// router: the websocket endpoint, the one-shot REST data fetch, and the
// token JWKS endpoint.
package feedgin

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/open-rails/feedgate/blob"
	"github.com/open-rails/feedgate/credential"
	"github.com/open-rails/feedgate/decrypt"
	"github.com/open-rails/feedgate/hub"
	"github.com/open-rails/feedgate/oracle"
	"github.com/open-rails/feedgate/token"
)

// Service bundles everything the adapter's handlers call into.
type Service struct {
	Hub         *hub.Hub
	Oracle      *oracle.Oracle
	Tokens      token.Resolver
	Plain       blob.Fetcher
	Cipher      blob.Fetcher
	Pipeline    *decrypt.Pipeline
	Credentials credential.Store
	Issuer      *token.Issuer // optional; enables the JWKS endpoint
	Logger      *logrus.Logger
}

func (s *Service) log() *logrus.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return logrus.StandardLogger()
}

// Mount registers the feedgate routes on r.
func Mount(r gin.IRouter, svc *Service) {
	r.GET("/ws", HandleWSGET(svc))
	r.GET("/api/data/:feedId", HandleDataGET(svc))
	if svc.Issuer != nil {
		r.GET("/.well-known/jwks.json", HandleJWKSGET(svc))
	}
}

// HandleWSGET upgrades the request into a hub connection.
func HandleWSGET(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		svc.Hub.HandleWS(c.Writer, c.Request)
	}
}

// HandleJWKSGET serves the issuer's verification keys.
func HandleJWKSGET(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		token.ServeJWKS(c.Writer, c.Request, svc.Issuer.PublicJWKS())
	}
}
