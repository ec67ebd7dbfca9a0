// Package testdb opens throwaway in-memory databases for tests.
package testdb

import (
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/monocle-dev/huddle/db"
	"github.com/monocle-dev/huddle/internal/models"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// New returns a migrated database private to the test.
func New(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

// User inserts a user whose password is "password".
func User(t testing.TB, gdb *gorm.DB, name string, prefs *models.NotificationPreferences) models.User {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}

	user := models.User{Name: name, Email: name + "@example.com", PasswordHash: string(hash)}
	if prefs != nil {
		if err := user.SetNotificationPreferences(*prefs); err != nil {
			t.Fatalf("encode preferences: %v", err)
		}
	}
	if err := gdb.Create(&user).Error; err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return user
}

// Project inserts a project owned by owner with the given extra members.
func Project(t testing.TB, gdb *gorm.DB, name string, owner models.User, members ...models.User) models.Project {
	t.Helper()

	project := models.Project{Name: name, OwnerID: owner.ID}
	if err := gdb.Create(&project).Error; err != nil {
		t.Fatalf("create project %s: %v", name, err)
	}

	memberships := []models.ProjectMembership{{UserID: owner.ID, ProjectID: project.ID, Role: models.RoleOwner}}
	for _, m := range members {
		memberships = append(memberships, models.ProjectMembership{UserID: m.ID, ProjectID: project.ID, Role: models.RoleMember})
	}
	if err := gdb.Create(&memberships).Error; err != nil {
		t.Fatalf("add members to %s: %v", name, err)
	}
	return project
}
