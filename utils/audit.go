package utils

import (
	"encoding/json"
	"net"
	"rentals-server/config"
	"rentals-server/logging"
	"rentals-server/models"
	"rentals-server/storage"
	"strings"

	"github.com/kataras/iris/v12"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// Audit records an admin mutation. Failures are logged and never block the request.
func Audit(ctx iris.Context, action, resourceType string, resourceID uint, before interface{}, after interface{}) {
	entry := models.AuditLog{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Before:       snapshot(before),
		After:        snapshot(after),
		IPAddress:    ClientIP(ctx),
	}
	if claims := Claims(ctx); claims != nil {
		entry.ActorID = claims.ID
		entry.ActorRole = claims.Role
	}

	if err := storage.DB.Create(&entry).Error; err != nil {
		logging.Log.WithFields(logrus.Fields{
			"action":   action,
			"resource": resourceType,
			"id":       resourceID,
		}).WithError(err).Error("audit write failed")
	}
}

func snapshot(v interface{}) datatypes.JSON {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

// ClientIP is the connection's peer address. Behind a trusted proxy it is the
// last X-Forwarded-For hop, the one the proxy itself appended.
func ClientIP(ctx iris.Context) string {
	if config.App != nil && config.App.TrustProxy {
		if fwd := ctx.GetHeader("X-Forwarded-For"); fwd != "" {
			hops := strings.Split(fwd, ",")
			if ip := strings.TrimSpace(hops[len(hops)-1]); net.ParseIP(ip) != nil {
				return ip
			}
		}
	}
	return ctx.RemoteAddr()
}
