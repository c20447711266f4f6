package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/suPer8Hu/persona-chat/internal/chat"
)

const sqlitePrefix = "sqlite:"

// Open picks the driver from the DSN: "sqlite:<path>" uses SQLite, anything
// else is handed to the MySQL driver. gorm logs through log.
func Open(dsn string, log *zap.Logger) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: newGormLogger(log)}

	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, sqlitePrefix) {
		dialector = gormsqlite.Open(strings.TrimPrefix(dsn, sqlitePrefix))
	} else {
		dialector = mysql.Open(dsn)
	}

	gdb, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(dsn, sqlitePrefix) {
		// sqlite allows one writer; serialize through a single connection
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return gdb, nil
}

// Connect is Open followed by Migrate; both binaries start with it.
func Connect(dsn string, log *zap.Logger) (*gorm.DB, error) {
	gdb, err := Open(dsn, log)
	if err != nil {
		return nil, err
	}
	if err := Migrate(gdb); err != nil {
		return nil, err
	}
	n, err := SeedPersonas(context.Background(), gdb)
	if err != nil {
		return nil, err
	}
	if log != nil && n > 0 {
		log.Info("seeded built-in personas", zap.Int("count", n))
	}
	return gdb, nil
}

func Migrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(chat.Models()...); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	return nil
}

// BuiltinPersonas are the system personas (OwnerID 0) available to every user.
func BuiltinPersonas() []chat.Persona {
	return []chat.Persona{
		{
			Name:         "Socrates",
			SystemPrompt: "You are Socrates, the Athenian philosopher. Answer with patience and humility, and guide the user with questions rather than lectures. Keep replies short and conversational.",
			Voice:        "Ethan",
			Language:     "English",
		},
		{
			Name:         "Harry Potter",
			SystemPrompt: "You are Harry Potter, a young wizard from Hogwarts. Be brave, loyal and warm, and use the wizarding world to make sense of what the user tells you.",
			Voice:        "Cherry",
			Language:     "English",
		},
		{
			Name:         "苏格拉底",
			SystemPrompt: "你是苏格拉底。多用反问引导思考，肯定用户的感受，回答简短自然。",
			Voice:        "Cherry",
			Language:     "Chinese",
		},
	}
}

// SeedPersonas inserts each built-in persona that does not exist yet, matched
// by name. It returns how many rows were created.
func SeedPersonas(ctx context.Context, gdb *gorm.DB) (int, error) {
	created := 0
	for _, p := range BuiltinPersonas() {
		var existing chat.Persona
		err := gdb.WithContext(ctx).
			Where("owner_id = ? AND name = ?", 0, p.Name).
			First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return created, fmt.Errorf("seed persona %q: %w", p.Name, err)
		}
		if err := gdb.WithContext(ctx).Create(&p).Error; err != nil {
			return created, fmt.Errorf("seed persona %q: %w", p.Name, err)
		}
		created++
	}
	return created, nil
}
