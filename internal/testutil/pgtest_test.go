package testutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUpSection(t *testing.T) {
	script := "-- +goose Up\nCREATE TABLE t (id INT);\n\n-- +goose Down\nDROP TABLE t;\n"
	up := upSection(script)
	assert.Contains(t, up, "CREATE TABLE t")
	assert.NotContains(t, up, "DROP TABLE")
	assert.False(t, strings.Contains(up, "goose"))

	plain := "CREATE INDEX i ON t (id);"
	assert.Equal(t, plain, upSection(plain))
}
