package utils

import (
	"github.com/kataras/iris/v12"
)

const (
	DefaultPerPage = 20
	MaxPerPage     = 50
)

type PageMeta struct {
	Page    int   `json:"page"`
	PerPage int   `json:"per_page"`
	Total   int64 `json:"total"`
}

// PageParams reads page and per_page from the query string. Out-of-range
// values fall back to the defaults.
func PageParams(ctx iris.Context) (page, perPage int) {
	page = ctx.URLParamIntDefault("page", 1)
	if page < 1 {
		page = 1
	}
	perPage = ctx.URLParamIntDefault("per_page", DefaultPerPage)
	if perPage < 1 || perPage > MaxPerPage {
		perPage = DefaultPerPage
	}
	return page, perPage
}

// Offset converts a page number into a row offset.
func Offset(page, perPage int) int {
	return (page - 1) * perPage
}

func JSONPage(ctx iris.Context, data interface{}, page, perPage int, total int64) {
	ctx.JSON(iris.Map{
		"data":  data,
		"meta":  PageMeta{Page: page, PerPage: perPage, Total: total},
		"links": iris.Map{},
	})
}

func JSONData(ctx iris.Context, data interface{}) {
	ctx.JSON(iris.Map{"data": data, "meta": iris.Map{}, "links": iris.Map{}})
}

func JSONError(ctx iris.Context, status int, code, message string) {
	ctx.StopWithJSON(status, iris.Map{"error": code, "message": message})
}
