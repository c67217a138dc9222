package services

import (
	"fmt"
	"rentals-server/models"
	"strings"

	"github.com/beevik/etree"
	"gorm.io/gorm"
)

const sitemapLimit = 50000

// BuildSitemap renders the public pages and every bookable listing as a
// sitemaps.org urlset.
func BuildSitemap(db *gorm.DB, frontendURL string) ([]byte, error) {
	var properties []models.Property
	if err := db.Select("id, updated_at").
		Where("status = ? AND is_active = ?", models.PropertyStatusApproved, true).
		Order("id ASC").
		Limit(sitemapLimit).
		Find(&properties).Error; err != nil {
		return nil, err
	}

	base := strings.TrimRight(frontendURL, "/")

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	urlset := doc.CreateElement("urlset")
	urlset.CreateAttr("xmlns", "http://www.sitemaps.org/schemas/sitemap/0.9")

	addURL := func(loc, lastmod, freq string) {
		u := urlset.CreateElement("url")
		u.CreateElement("loc").SetText(loc)
		if lastmod != "" {
			u.CreateElement("lastmod").SetText(lastmod)
		}
		u.CreateElement("changefreq").SetText(freq)
	}

	addURL(base+"/", "", "daily")
	addURL(base+"/properties", "", "hourly")
	for _, p := range properties {
		addURL(fmt.Sprintf("%s/properties/%d", base, p.ID), p.UpdatedAt.UTC().Format(DayLayout), "weekly")
	}

	doc.Indent(2)
	return doc.WriteToBytes()
}
