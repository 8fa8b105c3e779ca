package entity

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbonduro/siteassess/internal/domain"
	"github.com/vbonduro/siteassess/internal/photostore"
	"github.com/vbonduro/siteassess/internal/photostore/local"
)

// stubDrafts is an in-memory DraftRepository.
type stubDrafts struct {
	mu        sync.Mutex
	saved     map[string]domain.Snapshot
	saves     int
	deleteErr error
	onDelete  func()
}

func newStubDrafts() *stubDrafts {
	return &stubDrafts{saved: make(map[string]domain.Snapshot)}
}

func (s *stubDrafts) Save(_ context.Context, snap domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[snap.ID] = snap
	s.saves++
	return nil
}

func (s *stubDrafts) List(_ context.Context) ([]domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Snapshot, 0, len(s.saved))
	for _, snap := range s.saved {
		out = append(out, snap)
	}
	return out, nil
}

// Delete runs onDelete after the row is gone, the way a sync write-back can
// land while an assessment is being deleted.
func (s *stubDrafts) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	if s.deleteErr != nil {
		s.mu.Unlock()
		return s.deleteErr
	}
	delete(s.saved, id)
	onDelete := s.onDelete
	s.mu.Unlock()

	if onDelete != nil {
		onDelete()
	}
	return nil
}

func (s *stubDrafts) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// failingFiles wraps a Files and fails Unlink.
type failingFiles struct {
	photostore.Files
}

func (f failingFiles) Unlink(string) error { return errors.New("device busy") }

func newTestRegistry(t *testing.T) (*Registry, *local.Files) {
	t.Helper()
	files, err := local.NewFiles(t.TempDir())
	require.NoError(t, err)
	return NewRegistry(Options{Files: files}), files
}

func writePNG(t *testing.T, w, h int) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	src := filepath.Join(t.TempDir(), "capture.png")
	require.NoError(t, os.WriteFile(src, buf.Bytes(), 0o600))
	return src
}

func roofingMeta() domain.PhotoMeta {
	return domain.PhotoMeta{FormType: domain.SectionBuildingEnvelope, FormStep: "roofing", FieldName: "assessment"}
}

func TestStoreUpdateMergesPatch(t *testing.T) {
	reg, _ := newTestRegistry(t)
	s, err := reg.CreateAssessment("a-1")
	require.NoError(t, err)

	step, err := s.Step(domain.SectionSiteGrounds, "paving")
	require.NoError(t, err)

	require.NoError(t, step.Update(map[string]any{
		"assessment": map[string]any{"condition": "good", "repairStatus": "IR"},
		"notes":      "cracked apron",
	}))
	require.NoError(t, step.Update(map[string]any{
		"assessment": map[string]any{"repairStatus": "ST"},
	}))

	values := step.Values()
	assert.Equal(t, map[string]any{"condition": "good", "repairStatus": "ST"}, values["assessment"])
	assert.Equal(t, "cracked apron", values["notes"])
	assert.Equal(t, uint64(2), s.Version())
}

func TestStoreUpdateRejectsUnknownField(t *testing.T) {
	reg, _ := newTestRegistry(t)
	s, err := reg.CreateAssessment("a-1")
	require.NoError(t, err)

	err = s.Update(domain.SectionSiteGrounds, "paving", map[string]any{"colour": "red"})
	assert.ErrorIs(t, err, domain.ErrUnknownField)
	assert.Equal(t, uint64(0), s.Version())

	_, err = s.Step(domain.SectionSiteGrounds, "rooftop")
	assert.ErrorIs(t, err, domain.ErrUnknownStep)
}

func TestStoreUpdateTouchesTimestamps(t *testing.T) {
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	reg := NewRegistry(Options{Now: func() time.Time { return clock }})
	s, err := reg.CreateAssessment("a-1")
	require.NoError(t, err)

	clock = clock.Add(time.Minute)
	require.NoError(t, s.Update(domain.SectionMechanicalSystems, "hvac", map[string]any{"notes": "rtu-1"}))

	snap := s.Snapshot()
	assert.Equal(t, clock, snap.UpdatedAt)
	sec, ok := snap.Section(domain.SectionMechanicalSystems)
	require.True(t, ok)
	assert.Equal(t, clock, sec.LastModified)
	other, _ := snap.Section(domain.SectionSiteGrounds)
	assert.True(t, other.LastModified.IsZero())
}

func TestSnapshotIsIsolatedFromLaterEdits(t *testing.T) {
	reg, _ := newTestRegistry(t)
	s, err := reg.CreateAssessment("a-1")
	require.NoError(t, err)
	require.NoError(t, s.Update(domain.SectionSiteGrounds, "paving", map[string]any{
		"pavingTypes": []string{"asphalt"},
		"assessment":  map[string]any{"condition": "fair"},
	}))

	snap := s.Snapshot()
	require.NoError(t, s.Update(domain.SectionSiteGrounds, "paving", map[string]any{
		"pavingTypes": []string{"concrete"},
		"assessment":  map[string]any{"condition": "poor"},
	}))

	sec, _ := snap.Section(domain.SectionSiteGrounds)
	assert.Equal(t, []string{"asphalt"}, sec.Steps["paving"]["pavingTypes"])
	assert.Equal(t, map[string]any{"condition": "fair"}, sec.Steps["paving"]["assessment"])
}

func TestStoreRejectsEditsOutsideDraft(t *testing.T) {
	reg, _ := newTestRegistry(t)
	s, err := reg.CreateAssessment("a-1")
	require.NoError(t, err)

	require.NoError(t, s.BeginSubmit())
	err = s.Update(domain.SectionSiteGrounds, "paving", map[string]any{"notes": "late"})
	assert.ErrorIs(t, err, domain.ErrNotDraft)
	assert.ErrorIs(t, s.BeginSubmit(), domain.ErrNotDraft)

	s.AbortSubmit()
	assert.Equal(t, domain.StatusDraft, s.Status())
	assert.NoError(t, s.Update(domain.SectionSiteGrounds, "paving", map[string]any{"notes": "late"}))
}

func TestCompleteSubmitStatus(t *testing.T) {
	reg, _ := newTestRegistry(t)

	empty, err := reg.CreateAssessment("a-empty")
	require.NoError(t, err)
	require.NoError(t, empty.BeginSubmit())
	assert.Equal(t, domain.StatusSynced, empty.CompleteSubmit())

	withPhoto, err := reg.CreateAssessment("a-photo")
	require.NoError(t, err)
	meta := roofingMeta()
	meta.LocalURI = "a-photo/p.jpg"
	photo, err := withPhoto.Photos().Add(meta)
	require.NoError(t, err)
	require.NoError(t, withPhoto.BeginSubmit())
	assert.Equal(t, domain.StatusSubmitted, withPhoto.CompleteSubmit())

	withPhoto.Photos().MarkUploaded(photo.ID)
	assert.Equal(t, domain.StatusSynced, withPhoto.PromoteIfSynced())
}

func TestSectionChangedTracking(t *testing.T) {
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	reg := NewRegistry(Options{Now: func() time.Time { return clock }})
	s, err := reg.CreateAssessment("a-1")
	require.NoError(t, err)

	assert.True(t, s.SectionChanged(domain.SectionSiteGrounds))
	s.MarkSectionSynced(domain.SectionSiteGrounds, time.Time{})
	assert.False(t, s.SectionChanged(domain.SectionSiteGrounds))

	clock = clock.Add(time.Second)
	require.NoError(t, s.Update(domain.SectionSiteGrounds, "paving", map[string]any{"notes": "x"}))
	assert.True(t, s.SectionChanged(domain.SectionSiteGrounds))

	sec, _ := s.Snapshot().Section(domain.SectionSiteGrounds)
	s.MarkSectionSynced(domain.SectionSiteGrounds, sec.LastModified)
	assert.False(t, s.SectionChanged(domain.SectionSiteGrounds))
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	reg, _ := newTestRegistry(t)
	s, err := reg.CreateAssessment("a-1")
	require.NoError(t, err)

	var got []uint64
	unsubscribe := s.Subscribe(func(v uint64) { got = append(got, v) })
	require.NoError(t, s.Update(domain.SectionSiteGrounds, "paving", map[string]any{"notes": "1"}))
	require.NoError(t, s.Update(domain.SectionSiteGrounds, "paving", map[string]any{"notes": "2"}))
	unsubscribe()
	require.NoError(t, s.Update(domain.SectionSiteGrounds, "paving", map[string]any{"notes": "3"}))

	assert.Equal(t, []uint64{1, 2}, got)
}

func TestPhotoImportNamesFileByID(t *testing.T) {
	reg, files := newTestRegistry(t)
	s, err := reg.CreateAssessment("a-1")
	require.NoError(t, err)

	meta := roofingMeta()
	meta.Filename = "../../evil name.png"
	photo, err := s.Photos().Import(context.Background(), writePNG(t, 40, 30), meta)
	require.NoError(t, err)

	assert.Equal(t, photostore.PhotoKey("a-1", photo.ID, "image/png"), photo.LocalURI)
	assert.Equal(t, "image/png", photo.MimeType)
	assert.Equal(t, 40, photo.Width)
	assert.Equal(t, 30, photo.Height)
	assert.Equal(t, domain.UploadPending, photo.UploadStatus)
	assert.Positive(t, photo.FileSize)

	ok, err := files.Exists(photo.LocalURI)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPhotoImportRejectsNonImage(t *testing.T) {
	reg, files := newTestRegistry(t)
	s, err := reg.CreateAssessment("a-1")
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o600))

	_, err = s.Photos().Import(context.Background(), src, roofingMeta())
	assert.ErrorIs(t, err, domain.ErrInvalidValue)
	assert.Empty(t, s.Photos().All())

	names, err := files.ReadDir("a-1")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestPhotoRemoveDeletesFileAndRecord(t *testing.T) {
	reg, files := newTestRegistry(t)
	s, err := reg.CreateAssessment("a-1")
	require.NoError(t, err)
	photo, err := s.Photos().Import(context.Background(), writePNG(t, 2, 2), roofingMeta())
	require.NoError(t, err)

	require.NoError(t, s.Photos().Remove(context.Background(), photo.ID))

	ok, err := files.Exists(photo.LocalURI)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = s.Photos().Get(photo.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// unknown ids are a no-op
	assert.NoError(t, s.Photos().Remove(context.Background(), "missing"))
}

func TestPhotoRemoveToleratesFileError(t *testing.T) {
	files, err := local.NewFiles(t.TempDir())
	require.NoError(t, err)
	reg := NewRegistry(Options{Files: failingFiles{files}})
	s, err := reg.CreateAssessment("a-1")
	require.NoError(t, err)
	photo, err := s.Photos().Import(context.Background(), writePNG(t, 2, 2), roofingMeta())
	require.NoError(t, err)

	require.NoError(t, s.Photos().Remove(context.Background(), photo.ID))
	assert.Empty(t, s.Photos().All())

	// the orphan stays on disk for the sweep
	ok, err := files.Exists(photo.LocalURI)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPhotosForStepIsRestartable(t *testing.T) {
	reg, _ := newTestRegistry(t)
	s, err := reg.CreateAssessment("a-1")
	require.NoError(t, err)

	add := func(section domain.SectionID, step string) string {
		p, err := s.Photos().Add(domain.PhotoMeta{FormType: section, FormStep: step, LocalURI: "a-1/x.jpg"})
		require.NoError(t, err)
		return p.ID
	}
	first := add(domain.SectionBuildingEnvelope, "roofing")
	add(domain.SectionSiteGrounds, "paving")
	third := add(domain.SectionBuildingEnvelope, "roofing")

	view := s.Photos().ForStep(domain.SectionBuildingEnvelope, "roofing")
	ids := func() []string {
		var out []string
		for p := range view {
			out = append(out, p.ID)
		}
		return out
	}
	assert.Equal(t, []string{first, third}, ids())
	assert.Equal(t, []string{first, third}, ids())

	fourth := add(domain.SectionBuildingEnvelope, "roofing")
	assert.Equal(t, []string{first, third, fourth}, ids())
}

func TestPhotoUpdateNotes(t *testing.T) {
	reg, _ := newTestRegistry(t)
	s, err := reg.CreateAssessment("a-1")
	require.NoError(t, err)
	meta := roofingMeta()
	meta.LocalURI = "a-1/x.jpg"
	photo, err := s.Photos().Add(meta)
	require.NoError(t, err)

	require.NoError(t, s.Photos().UpdateNotes(photo.ID, "ponding near drain"))
	got, err := s.Photos().Get(photo.ID)
	require.NoError(t, err)
	assert.Equal(t, "ponding near drain", got.Notes)
	assert.Equal(t, photo.LocalURI, got.LocalURI)

	assert.ErrorIs(t, s.Photos().UpdateNotes("missing", "x"), domain.ErrNotFound)
}

func TestRegistryCreateIsUnique(t *testing.T) {
	reg, _ := newTestRegistry(t)
	s, err := reg.CreateAssessment("a-1")
	require.NoError(t, err)
	require.NoError(t, s.Update(domain.SectionSiteGrounds, "paving", map[string]any{"notes": "keep"}))

	_, err = reg.CreateAssessment("a-1")
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	got, err := reg.Get("a-1")
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Equal(t, "keep", got.StepValues(domain.SectionSiteGrounds, "paving")["notes"])

	_, err = reg.CreateAssessment("")
	assert.Error(t, err)
}

func TestRegistryDeleteActiveClearsSelection(t *testing.T) {
	reg, files := newTestRegistry(t)
	s, err := reg.CreateAssessment("a-1")
	require.NoError(t, err)
	_, err = s.Photos().Import(context.Background(), writePNG(t, 2, 2), roofingMeta())
	require.NoError(t, err)
	require.NoError(t, reg.SetActiveAssessment("a-1"))

	var changes [][2]string
	reg.OnActiveChange(func(prev, next string) { changes = append(changes, [2]string{prev, next}) })

	require.NoError(t, reg.DeleteAssessment(context.Background(), "a-1"))

	assert.Empty(t, reg.ActiveAssessmentID())
	assert.Nil(t, reg.Active())
	assert.Equal(t, [][2]string{{"a-1", ""}}, changes)
	_, err = reg.Get("a-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	names, err := files.ReadDir("")
	require.NoError(t, err)
	assert.Empty(t, names)

	assert.ErrorIs(t, reg.DeleteAssessment(context.Background(), "a-1"), domain.ErrNotFound)
}

func TestRegistryDeleteKeepsEntryWhenDraftDeleteFails(t *testing.T) {
	drafts := newStubDrafts()
	drafts.deleteErr = errors.New("disk full")
	reg := NewRegistry(Options{Drafts: drafts})
	s, err := reg.CreateAssessment("a-1")
	require.NoError(t, err)
	require.NoError(t, reg.SetActiveAssessment("a-1"))

	assert.Error(t, reg.DeleteAssessment(context.Background(), "a-1"))
	got, err := reg.Get("a-1")
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Equal(t, "a-1", reg.ActiveAssessmentID())

	saves := drafts.saveCount()
	require.NoError(t, s.Update(domain.SectionSiteGrounds, "paving", map[string]any{"notes": "still tracked"}))
	assert.Equal(t, saves+1, drafts.saveCount())
}

func TestRegistryDeleteDoesNotResurrectDraft(t *testing.T) {
	drafts := newStubDrafts()
	reg := NewRegistry(Options{Drafts: drafts})
	s, err := reg.CreateAssessment("a-1")
	require.NoError(t, err)
	require.NoError(t, s.BeginSubmit())
	drafts.onDelete = func() { s.SetRemoteID("remote-1") }

	require.NoError(t, reg.DeleteAssessment(context.Background(), "a-1"))
	assert.Equal(t, "remote-1", s.RemoteID())

	restored := NewRegistry(Options{Drafts: drafts})
	n, err := restored.Hydrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, restored.IDs())
}

func TestRegistryDeleteRejectsSubmitted(t *testing.T) {
	drafts := newStubDrafts()
	reg := NewRegistry(Options{Drafts: drafts})
	s, err := reg.CreateAssessment("a-1")
	require.NoError(t, err)
	require.NoError(t, s.BeginSubmit())
	require.Equal(t, domain.StatusSynced, s.CompleteSubmit())

	assert.ErrorIs(t, reg.DeleteAssessment(context.Background(), "a-1"), domain.ErrNotDraft)
	_, err = reg.Get("a-1")
	assert.NoError(t, err)

	n, err := NewRegistry(Options{Drafts: drafts}).Hydrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRegistrySetActiveRequiresKnownID(t *testing.T) {
	reg, _ := newTestRegistry(t)
	assert.ErrorIs(t, reg.SetActiveAssessment("nope"), domain.ErrNotFound)

	_, err := reg.CreateAssessment("a-1")
	require.NoError(t, err)
	require.NoError(t, reg.SetActiveAssessment("a-1"))
	assert.Equal(t, "a-1", reg.ActiveAssessmentID())

	reg.Logout()
	assert.Empty(t, reg.ActiveAssessmentID())
}

func TestRegistryWriteThroughAndHydrate(t *testing.T) {
	drafts := newStubDrafts()
	reg := NewRegistry(Options{Drafts: drafts})
	s, err := reg.CreateAssessment("a-1")
	require.NoError(t, err)
	require.NoError(t, s.Update(domain.SectionSiteGrounds, "drainage", map[string]any{"notes": "swale"}))
	s.SetRemoteID("remote-9")

	saved := drafts.saved["a-1"]
	assert.Equal(t, s.Version(), saved.Version)
	assert.Equal(t, "remote-9", saved.RemoteID)

	restored := NewRegistry(Options{Drafts: drafts})
	n, err := restored.Hydrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := restored.Get("a-1")
	require.NoError(t, err)
	assert.Equal(t, "swale", got.StepValues(domain.SectionSiteGrounds, "drainage")["notes"])
	assert.Equal(t, "remote-9", got.RemoteID())
	assert.Equal(t, []string{"a-1"}, restored.IDs())
}

func TestHydrateReturnsInterruptedSubmitToDraft(t *testing.T) {
	drafts := newStubDrafts()
	reg := NewRegistry(Options{Drafts: drafts})
	s, err := reg.CreateAssessment("a-1")
	require.NoError(t, err)
	require.NoError(t, s.BeginSubmit())

	restored := NewRegistry(Options{Drafts: drafts})
	_, err = restored.Hydrate(context.Background())
	require.NoError(t, err)
	got, err := restored.Get("a-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, got.Status())
}

func TestSweepOrphans(t *testing.T) {
	files, err := local.NewFiles(t.TempDir())
	require.NoError(t, err)
	later := func() time.Time { return time.Now().Add(time.Hour) }
	reg := NewRegistry(Options{Files: files, Now: later})
	s, err := reg.CreateAssessment("a-1")
	require.NoError(t, err)
	kept, err := s.Photos().Import(context.Background(), writePNG(t, 2, 2), roofingMeta())
	require.NoError(t, err)

	stray := writePNG(t, 1, 1)
	require.NoError(t, files.Copy(stray, "a-1/stray.png"))
	require.NoError(t, files.Mkdir("gone"))
	require.NoError(t, files.Copy(stray, "gone/p.png"))

	removed, err := reg.SweepOrphans(context.Background(), DefaultSweepMinAge)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	names, err := files.ReadDir("a-1")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Base(kept.LocalURI)}, names)
	dirs, err := files.ReadDir("")
	require.NoError(t, err)
	assert.False(t, slices.Contains(dirs, "gone"))
}

func TestSweepOrphansSkipsRecentFiles(t *testing.T) {
	reg, files := newTestRegistry(t)
	_, err := reg.CreateAssessment("a-1")
	require.NoError(t, err)

	// a capture another process copied but has not recorded yet
	src := writePNG(t, 1, 1)
	require.NoError(t, files.Mkdir("a-1"))
	require.NoError(t, files.Copy(src, "a-1/in-flight.png"))
	require.NoError(t, files.Mkdir("a-new"))
	require.NoError(t, files.Copy(src, "a-new/p.png"))

	removed, err := reg.SweepOrphans(context.Background(), DefaultSweepMinAge)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	ok, err := files.Exists("a-1/in-flight.png")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = files.Exists("a-new/p.png")
	require.NoError(t, err)
	assert.True(t, ok)
}
