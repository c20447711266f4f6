package chat

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func seedPersona(t *testing.T, repo *Repo, ownerID uint64, name string) *Persona {
	t.Helper()
	p := &Persona{
		OwnerID:      ownerID,
		Name:         name,
		SystemPrompt: "You are " + name + ".",
		Voice:        "Cherry",
		Language:     "Chinese",
	}
	if err := repo.CreatePersona(context.Background(), p); err != nil {
		t.Fatalf("create persona: %v", err)
	}
	return p
}

var sessionSeq int

func seedSession(t *testing.T, repo *Repo, userID, personaID uint64) *Session {
	t.Helper()
	sessionSeq++
	s := &Session{
		SessionID: fmt.Sprintf("01TESTSESSION%013d", sessionSeq),
		UserID:    userID,
		PersonaID: personaID,
		CreatedAt: time.Now().UTC(),
	}
	if err := repo.CreateSession(context.Background(), s); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

// seedTurns appends n alternating turns starting with a user turn, one second apart.
func seedTurns(t *testing.T, repo *Repo, sessionID string, n int, base time.Time) []Turn {
	t.Helper()
	out := make([]Turn, 0, n)
	for i := 0; i < n; i++ {
		sp := SpeakerUser
		if i%2 == 1 {
			sp = SpeakerAssistant
		}
		turn := &Turn{
			SessionID: sessionID,
			Speaker:   sp,
			Text:      fmt.Sprintf("t%02d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := repo.AppendTurn(context.Background(), turn); err != nil {
			t.Fatalf("append turn %d: %v", i, err)
		}
		out = append(out, *turn)
	}
	return out
}
