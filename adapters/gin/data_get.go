package feedgin

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/open-rails/feedgate/decrypt"
	"github.com/open-rails/feedgate/oracle"
)

// HandleDataGET is the one-shot fetch: authorize the caller's access token,
// resolve the feed's current blob, and return plaintext when the caller's
// cached credential permits decryption — otherwise the marked ciphertext.
func HandleDataGET(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		feedID := c.Param("feedId")
		raw := bearerOrAPIKey(c)
		if raw == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "missing access token"})
			return
		}
		ctx := c.Request.Context()
		access, err := svc.Tokens.Resolve(ctx, raw)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid access token"})
			return
		}
		if access.FeedID != "" && access.FeedID != feedID {
			c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "token not valid for this feed"})
			return
		}

		feed, err := svc.Oracle.Feed(ctx, feedID)
		if err != nil {
			writeOracleErr(c, err, "unknown or inactive feed")
			return
		}
		if err := svc.Oracle.Authorize(ctx, access.Principal, feedID, access.EntitlementRef); err != nil {
			writeOracleErr(c, err, "no valid entitlement for feed")
			return
		}

		fetch := svc.Plain
		if feed.Gated {
			fetch = svc.Cipher
		}
		data, err := fetch.Fetch(ctx, feed.CurrentBlobRef)
		if err != nil {
			svc.log().WithError(err).WithField("feed", feedID).Warn("blob fetch failed")
			c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": "blob store unavailable"})
			return
		}

		if !feed.Gated {
			c.JSON(http.StatusOK, gin.H{"success": true, "data": rawOrString(data)})
			return
		}

		cred, ok, err := svc.Credentials.Get(ctx, access.Principal)
		if err != nil {
			svc.log().WithError(err).Warn("credential store read failed")
		}
		if ok {
			res := svc.Pipeline.Decrypt(ctx, data, feedID, access.EntitlementRef, cred, access.Principal)
			if res.Outcome == decrypt.OutcomeOK {
				c.JSON(http.StatusOK, gin.H{"success": true, "data": rawOrString(res.Plaintext)})
				return
			}
			if res.Outcome == decrypt.OutcomeCredentialExpired {
				_ = svc.Credentials.Clear(ctx, access.Principal)
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"success":   true,
			"encrypted": true,
			"data":      base64.StdEncoding.EncodeToString(data),
		})
	}
}

func bearerOrAPIKey(c *gin.Context) string {
	if v := c.GetHeader("X-API-Key"); v != "" {
		return v
	}
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeOracleErr(c *gin.Context, err error, deniedMsg string) {
	if err == oracle.ErrUnavailable {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "ledger unavailable", "retryable": true})
		return
	}
	c.JSON(http.StatusForbidden, gin.H{"success": false, "error": deniedMsg})
}

// rawOrString keeps JSON payloads as JSON and wraps anything else as a
// string for the response body.
func rawOrString(b []byte) any {
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	return string(b)
}
