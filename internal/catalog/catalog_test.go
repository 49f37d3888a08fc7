package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pkgerrors "github.com/surahj/ai-interviewer/pkg/errors"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "packages.toml")
	content := `
[[package]]
id = "pro"
name = "Pro"
credits = 300
price = "24.99"
currency = "USD"
is_active = true

[[package]]
id = "starter"
name = "Starter"
credits = 100
price = "9.99"
is_active = true

[[package]]
id = "legacy"
name = "Legacy"
credits = 50
price = "4.50"
is_active = false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	c, err := Load(path)
	require.NoError(t, err)

	active := c.Active()
	require.Len(t, active, 2)
	assert.Equal(t, "starter", active[0].ID)
	assert.Equal(t, "pro", active[1].ID)
	assert.Equal(t, "usd", active[1].Currency)
	assert.Equal(t, "usd", active[0].Currency)
	assert.Equal(t, int64(2499), active[1].UnitAmount())

	_, err = c.Purchasable("legacy")
	assert.ErrorIs(t, err, pkgerrors.ErrPackageInactive)

	legacy, err := c.Get("legacy")
	require.NoError(t, err)
	assert.Equal(t, int64(450), legacy.UnitAmount())

	_, err = c.Get("missing")
	assert.ErrorIs(t, err, pkgerrors.ErrPackageNotFound)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"missing id":     "[[package]]\nname = \"x\"\ncredits = 1\nprice = \"1\"\n",
		"zero credits":   "[[package]]\nid = \"x\"\ncredits = 0\nprice = \"1\"\n",
		"negative price": "[[package]]\nid = \"x\"\ncredits = 10\nprice = \"-1\"\n",
		"duplicate":      "[[package]]\nid = \"x\"\ncredits = 10\nprice = \"1\"\n[[package]]\nid = \"x\"\ncredits = 10\nprice = \"1\"\n",
		"bad toml":       "[[package]\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "packages.toml")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestDefault(t *testing.T) {
	c := Default()
	p, err := c.Purchasable("starter")
	require.NoError(t, err)
	assert.Equal(t, int64(100), p.Credits)
	assert.Equal(t, int64(999), p.UnitAmount())
	assert.Len(t, c.Active(), 3)
}
