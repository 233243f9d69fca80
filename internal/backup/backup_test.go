package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calstore/internal/schema"
	"calstore/internal/store"
)

func testManager(t *testing.T, keep int) (*Manager, *store.DB) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "calstore.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewManager(db, nil, zerolog.Nop(), filepath.Join(dir, "backups"), keep), db
}

func seedOwner(t *testing.T, db *store.DB, owner string, events int) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < events; i++ {
		require.NoError(t, db.PutEvent(ctx, &schema.Event{
			OwnerID:   owner,
			Title:     fmt.Sprintf("seeded event %d", i),
			StartTime: base.Add(time.Duration(i) * time.Hour),
		}))
	}
	require.NoError(t, db.PutCategory(ctx, &schema.Category{OwnerID: owner, Name: "Work", Color: "#336699"}))
	require.NoError(t, db.PutCalendar(ctx, &schema.Calendar{OwnerID: owner, Name: "Main", IsDefault: true}))
	require.NoError(t, db.PutPreferences(ctx, &schema.Preferences{OwnerID: owner, Theme: "dark", TimeFormat: "24h"}))
}

func TestCreateAndRestoreRoundTrip(t *testing.T) {
	m, db := testManager(t, 0)
	ctx := context.Background()

	seedOwner(t, db, "user-1", 5)

	record, err := m.Create(ctx, "user-1", CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, 8, record.RecordCount) // 5 events + category + calendar + prefs
	assert.False(t, record.Compressed, "small dataset should not be compressed")
	assert.True(t, strings.HasSuffix(record.Filename, ".backup.json"))

	// Restore into a second, empty store.
	m2, db2 := testManager(t, 0)
	data, err := m.Load(record.Filename)
	require.NoError(t, err)

	result, err := m2.Restore(ctx, data, RestoreOptions{})
	require.NoError(t, err)
	assert.True(t, result.ChecksumOK)
	assert.Equal(t, 5, result.Events)
	assert.Equal(t, 1, result.Categories)
	assert.Equal(t, 1, result.Calendars)
	assert.True(t, result.Preferences)

	events, err := db2.ListEvents(ctx, "user-1", false)
	require.NoError(t, err)
	require.Len(t, events, 5)

	// Restored records carry fresh local identifiers.
	orig, err := db.ListEvents(ctx, "user-1", false)
	require.NoError(t, err)
	origIDs := make(map[string]bool)
	for _, ev := range orig {
		origIDs[ev.ID] = true
	}
	for _, ev := range events {
		assert.False(t, origIDs[ev.ID], "restored event reused id %s", ev.ID)
	}

	// Timestamps from the backup survive the restore.
	assert.True(t, events[0].CreatedAt.Equal(orig[0].CreatedAt),
		"created_at changed: %v vs %v", events[0].CreatedAt, orig[0].CreatedAt)
}

func TestCreateCompressesLargeDatasets(t *testing.T) {
	m, db := testManager(t, 0)
	ctx := context.Background()

	// Pad descriptions so the serialized dataset clears the threshold.
	pad := strings.Repeat("calendar payload padding ", 200)
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 40; i++ {
		require.NoError(t, db.PutEvent(ctx, &schema.Event{
			OwnerID:     "user-1",
			Title:       fmt.Sprintf("bulk event %d", i),
			Description: pad,
			StartTime:   base.Add(time.Duration(i) * time.Hour),
		}))
	}

	record, err := m.Create(ctx, "user-1", CreateOptions{Compress: true})
	require.NoError(t, err)
	assert.True(t, record.Compressed)

	m2, _ := testManager(t, 0)
	data, err := m.Load(record.Filename)
	require.NoError(t, err)
	result, err := m2.Restore(ctx, data, RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, 40, result.Events)
	assert.True(t, result.ChecksumOK)
}

func TestChecksumMismatchWarnsAndProceeds(t *testing.T) {
	m, db := testManager(t, 0)
	ctx := context.Background()
	seedOwner(t, db, "user-1", 2)

	record, err := m.Create(ctx, "user-1", CreateOptions{})
	require.NoError(t, err)
	data, err := m.Load(record.Filename)
	require.NoError(t, err)

	corrupted := corruptChecksum(t, data)

	m2, db2 := testManager(t, 0)
	result, err := m2.Restore(ctx, corrupted, RestoreOptions{})
	require.NoError(t, err, "default policy recovers despite mismatch")
	assert.False(t, result.ChecksumOK)
	assert.Equal(t, 2, result.Events)

	events, err := db2.ListEvents(ctx, "user-1", false)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestPayloadByteCorruptionStillRestores(t *testing.T) {
	m, db := testManager(t, 0)
	ctx := context.Background()
	seedOwner(t, db, "user-1", 2)

	record, err := m.Create(ctx, "user-1", CreateOptions{})
	require.NoError(t, err)
	data, err := m.Load(record.Filename)
	require.NoError(t, err)

	// Flip a byte inside the raw dataset. The payload still decodes as
	// JSON, so the default policy restores the altered data under a
	// warning instead of refusing.
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	require.False(t, env.Compressed)
	flipped := bytes.Replace(env.Payload, []byte("seeded event 0"), []byte("seedXd event 0"), 1)
	require.NotEqual(t, env.Payload, flipped, "corruption target not found in payload")
	env.Payload = flipped
	corrupted, err := json.Marshal(&env)
	require.NoError(t, err)

	m2, db2 := testManager(t, 0)
	result, err := m2.Restore(ctx, corrupted, RestoreOptions{})
	require.NoError(t, err)
	assert.False(t, result.ChecksumOK)
	assert.Equal(t, 2, result.Events)

	events, err := db2.ListEvents(ctx, "user-1", false)
	require.NoError(t, err)
	titles := make([]string, 0, len(events))
	for _, ev := range events {
		titles = append(titles, ev.Title)
	}
	assert.Contains(t, titles, "seedXd event 0")
}

func TestChecksumMismatchStrictRefuses(t *testing.T) {
	m, db := testManager(t, 0)
	ctx := context.Background()
	seedOwner(t, db, "user-1", 2)

	record, err := m.Create(ctx, "user-1", CreateOptions{})
	require.NoError(t, err)
	data, err := m.Load(record.Filename)
	require.NoError(t, err)

	corrupted := corruptChecksum(t, data)

	m2, db2 := testManager(t, 0)
	_, err = m2.Restore(ctx, corrupted, RestoreOptions{Strict: true})
	require.ErrorIs(t, err, ErrChecksumMismatch)

	// Strict refusal must leave the tables untouched.
	events, err := db2.ListEvents(ctx, "user-1", true)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRestoreModes(t *testing.T) {
	ctx := context.Background()

	newBackup := func(t *testing.T) ([]byte, *Manager, *store.DB) {
		m, db := testManager(t, 0)
		seedOwner(t, db, "user-1", 3)
		record, err := m.Create(ctx, "user-1", CreateOptions{})
		require.NoError(t, err)
		data, err := m.Load(record.Filename)
		require.NoError(t, err)
		return data, m, db
	}

	t.Run("merge skips duplicates", func(t *testing.T) {
		data, m, db := newBackup(t)
		result, err := m.Restore(ctx, data, RestoreOptions{Mode: ModeMerge})
		require.NoError(t, err)
		assert.Equal(t, 0, result.Events)
		assert.Equal(t, 3, result.SkippedDups)

		events, err := db.ListEvents(ctx, "user-1", false)
		require.NoError(t, err)
		assert.Len(t, events, 3)
	})

	t.Run("append duplicates everything", func(t *testing.T) {
		data, m, db := newBackup(t)
		result, err := m.Restore(ctx, data, RestoreOptions{Mode: ModeAppend})
		require.NoError(t, err)
		assert.Equal(t, 3, result.Events)

		events, err := db.ListEvents(ctx, "user-1", false)
		require.NoError(t, err)
		assert.Len(t, events, 6)
	})

	t.Run("overwrite replaces the dataset", func(t *testing.T) {
		data, m, db := newBackup(t)
		// An event created after the backup disappears on overwrite.
		require.NoError(t, db.PutEvent(ctx, &schema.Event{
			OwnerID:   "user-1",
			Title:     "post-backup event",
			StartTime: time.Now().UTC(),
		}))

		result, err := m.Restore(ctx, data, RestoreOptions{Mode: ModeOverwrite})
		require.NoError(t, err)
		assert.Equal(t, 3, result.Events)

		events, err := db.ListEvents(ctx, "user-1", false)
		require.NoError(t, err)
		require.Len(t, events, 3)
		for _, ev := range events {
			assert.NotEqual(t, "post-backup event", ev.Title)
		}
	})
}

func TestEncryptedBackup(t *testing.T) {
	m, db := testManager(t, 0)
	ctx := context.Background()
	seedOwner(t, db, "user-1", 2)

	record, err := m.Create(ctx, "user-1", CreateOptions{Password: "correct horse"})
	require.NoError(t, err)
	assert.True(t, record.Encrypted)

	data, err := m.Load(record.Filename)
	require.NoError(t, err)

	// The dataset must not be readable from the envelope.
	assert.NotContains(t, string(data), "seeded event")

	m2, _ := testManager(t, 0)
	_, err = m2.Restore(ctx, data, RestoreOptions{})
	require.Error(t, err, "missing password must fail")

	_, err = m2.Restore(ctx, data, RestoreOptions{Password: "wrong"})
	require.ErrorIs(t, err, ErrWrongPassword)

	result, err := m2.Restore(ctx, data, RestoreOptions{Password: "correct horse"})
	require.NoError(t, err)
	assert.True(t, result.ChecksumOK)
	assert.Equal(t, 2, result.Events)
}

func TestRetentionPrunesOldBackups(t *testing.T) {
	m, db := testManager(t, 3)
	ctx := context.Background()
	seedOwner(t, db, "user-1", 1)

	// Distinct timestamps keep the retention ordering unambiguous.
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		i := i
		m.now = func() time.Time { return base.Add(time.Duration(i) * time.Hour) }
		_, err := m.Create(ctx, "user-1", CreateOptions{})
		require.NoError(t, err)
	}

	records, err := m.List(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.True(t, records[0].CreatedAt.After(records[2].CreatedAt))

	// Pruned files are gone from disk too.
	for _, r := range records {
		_, err := m.Load(r.Filename)
		assert.NoError(t, err, "retained backup %s should exist", r.Filename)
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	plaintext := []byte("calendar dataset bytes")

	sealed, err := seal(plaintext, "passw0rd")
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "calendar")

	got, err := open(sealed, "passw0rd")
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	_, err = open(sealed, "other")
	assert.ErrorIs(t, err, ErrWrongPassword)

	// Bit flips are detected by GCM.
	sealed[len(sealed)-1] ^= 0x01
	_, err = open(sealed, "passw0rd")
	assert.ErrorIs(t, err, ErrWrongPassword)
}

// corruptChecksum rewrites the envelope with a wrong checksum so the
// payload itself still parses. Compressed payloads cannot be corrupted
// in place for this scenario: a flipped gzip byte fails decompression
// and the restore errors out rather than proceeding.
func corruptChecksum(t *testing.T, data []byte) []byte {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	env.Checksum = strings.Repeat("0", 64)
	out, err := json.Marshal(&env)
	require.NoError(t, err)
	return out
}
