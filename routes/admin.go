package routes

import (
	"net/http"
	"rentals-server/models"
	"rentals-server/storage"
	"rentals-server/utils"
	"strings"

	"github.com/kataras/iris/v12"
	"golang.org/x/exp/slices"
)

var assignableRoles = []string{models.RoleUser, models.RoleHost, models.RoleAdmin, models.RoleSuperAdmin}

// ListUsers - GET /admin/users?role=&q=&page=&per_page=
func AdminListUsers(ctx iris.Context) {
	page, perPage := utils.PageParams(ctx)

	q := strings.TrimSpace(ctx.URLParamDefault("q", ""))
	role := strings.TrimSpace(ctx.URLParamDefault("role", ""))

	query := storage.DB.Model(&models.User{})
	if role != "" {
		query = query.Where("role = ?", role)
	}
	if q != "" {
		like := "%" + strings.ToLower(q) + "%"
		query = query.Where("(lower(first_name) LIKE ? OR lower(last_name) LIKE ? OR lower(email) LIKE ?)", like, like, like)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}

	users := []models.User{}
	if err := query.Order("created_at DESC, id DESC").Offset(utils.Offset(page, perPage)).Limit(perPage).Find(&users).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}

	utils.JSONPage(ctx, users, page, perPage, total)
}

// Change role - PATCH /admin/users/:id/role. Super admins only.
func AdminChangeUserRole(ctx iris.Context) {
	id, ok := paramID(ctx, "id")
	if !ok {
		return
	}

	var body struct {
		Role string `json:"role"`
	}
	if err := ctx.ReadJSON(&body); err != nil || !slices.Contains(assignableRoles, body.Role) {
		utils.JSONError(ctx, http.StatusUnprocessableEntity, "invalid_role", "role must be one of user, host, admin, super_admin")
		return
	}

	var user models.User
	if err := storage.DB.First(&user, id).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}
	if user.ID == utils.CurrentUserID(ctx) && body.Role != models.RoleSuperAdmin {
		utils.JSONError(ctx, http.StatusConflict, "conflict", "you cannot demote yourself")
		return
	}

	before := user
	if err := storage.DB.Model(&models.User{}).Where("id = ?", user.ID).Update("role", body.Role).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}
	user.Role = body.Role

	utils.Audit(ctx, "user.role_update", "user", user.ID, &before, &user)
	ctx.JSON(iris.Map{"data": &user})
}

// adminProperty loads the {id} property, whatever its moderation state.
func adminProperty(ctx iris.Context) *models.Property {
	id, ok := paramID(ctx, "id")
	if !ok {
		return nil
	}
	var property models.Property
	if err := storage.DB.First(&property, id).Error; err != nil {
		respondServiceError(ctx, err)
		return nil
	}
	return &property
}
