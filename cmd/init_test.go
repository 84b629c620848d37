package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/Plarpoon/Red/red"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestInitCommand(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	os.Setenv("RED_DATABASE_TYPE", "sqlite")
	os.Setenv("RED_DATABASE", dbPath)
	t.Cleanup(
		func() {
			os.Unsetenv("RED_DATABASE_TYPE")
			os.Unsetenv("RED_DATABASE")
		},
	)

	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)

	rootCmd.SetArgs([]string{"init"})
	err := rootCmd.Execute()
	require.NoError(t, err)

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")

	// Verify the output
	output := out.String()
	t.Logf("output: %s", output)
	assert.Contains(t, output, "Initialization complete")

	// Verify the database contents
	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)

	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	mg := db.Migrator()

	assert.True(t, mg.HasTable(&red.Guild{}))
	assert.True(t, mg.HasTable(&red.Channel{}))
	assert.True(t, mg.HasTable(&red.Role{}))
	assert.True(t, mg.HasTable(&red.Member{}))
	assert.True(t, mg.HasTable(&red.GuildSetting{}))
	assert.True(t, mg.HasTable(&red.ChannelSetting{}))
	assert.True(t, mg.HasTable(&red.UserSetting{}))
}
