package services

import (
	"fmt"
	"rentals-server/models"
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSitemap(t *testing.T) {
	db := setupDB(t)
	host := createUser(t, db, "host@example.com", models.RoleHost)
	visible := createProperty(t, db, host.ID)
	hidden := createProperty(t, db, host.ID)
	require.NoError(t, db.Model(hidden).Update("status", models.PropertyStatusPending).Error)

	out, err := BuildSitemap(db, "https://rentals.test/")
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(out))
	locs := doc.FindElements("//url/loc")
	require.Len(t, locs, 3)
	assert.Equal(t, "https://rentals.test/", locs[0].Text())
	assert.Equal(t, fmt.Sprintf("https://rentals.test/properties/%d", visible.ID), locs[2].Text())
	assert.NotContains(t, string(out), fmt.Sprintf("/properties/%d<", hidden.ID))
}
