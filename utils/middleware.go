package utils

import (
	"rentals-server/models"
	"strconv"

	"github.com/kataras/iris/v12"
	"github.com/kataras/iris/v12/middleware/jwt"
)

// Claims returns the verified access token of the request, or nil.
func Claims(ctx iris.Context) *AccessToken {
	claims, ok := jwt.Get(ctx).(*AccessToken)
	if !ok {
		return nil
	}
	return claims
}

func UserIDMiddleware(ctx iris.Context) {
	id := ctx.Params().Get("id")

	claims := Claims(ctx)
	if claims == nil || strconv.FormatUint(uint64(claims.ID), 10) != id {
		ctx.StopWithStatus(iris.StatusForbidden)
		return
	}
	ctx.Values().Set("userID", claims.ID)
	ctx.Next()
}

// UserIDFromTokenMiddleware extracts user ID from JWT token and stores it in context
// Use this for routes that don't have {id} parameter in URL
func UserIDFromTokenMiddleware(ctx iris.Context) {
	claims := Claims(ctx)
	if claims == nil {
		ctx.StopWithStatus(iris.StatusUnauthorized)
		return
	}
	ctx.Values().Set("userID", claims.ID)
	ctx.Next()
}

// AdminOnlyMiddleware ensures the requester has admin or super_admin role
func AdminOnlyMiddleware(ctx iris.Context) {
	claims := Claims(ctx)
	if claims == nil || (claims.Role != models.RoleAdmin && claims.Role != models.RoleSuperAdmin) {
		JSONError(ctx, iris.StatusForbidden, "forbidden", "admin access required")
		return
	}
	ctx.Values().Set("userID", claims.ID)
	ctx.Next()
}

// SuperAdminOnlyMiddleware ensures only super admins can access
func SuperAdminOnlyMiddleware(ctx iris.Context) {
	claims := Claims(ctx)
	if claims == nil || claims.Role != models.RoleSuperAdmin {
		JSONError(ctx, iris.StatusForbidden, "forbidden", "super_admin access required")
		return
	}
	ctx.Next()
}

// CurrentUserID is the id stored by the middlewares above.
func CurrentUserID(ctx iris.Context) uint {
	id, _ := ctx.Values().Get("userID").(uint)
	return id
}

// IsAdmin reports whether the caller's token carries an admin role.
func IsAdmin(ctx iris.Context) bool {
	claims := Claims(ctx)
	return claims != nil && (claims.Role == models.RoleAdmin || claims.Role == models.RoleSuperAdmin)
}
