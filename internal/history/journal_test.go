package history

import (
	"bufio"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/tokenharvester/internal/types"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("gopkg.in/natefinch/lumberjack%2ev2.(*Logger).millRun"))
}

func readEntries(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan journal: %v", err)
	}
	return lines
}

func TestJournalWritesMaskedEntries(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(dir, 8, 1)
	day := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	j.now = func() time.Time { return day }

	ok := types.Succeeded("abcdefghijklmnopqrstuvwxyz", true)
	ok.HarvestID = "h-1"
	failed := types.Failed(types.NewError(types.CodeTimeout, "page load timed out", nil))
	failed.HarvestID = "h-2"

	if err := j.Append(ok); err != nil {
		t.Fatalf("Append(ok) error = %v", err)
	}
	if err := j.Append(failed); err != nil {
		t.Fatalf("Append(failed) error = %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	lines := readEntries(t, j.Path(day))
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2: %v", len(lines), lines)
	}
	if strings.Contains(lines[0], ok.Token) {
		t.Fatalf("journal leaked full token: %s", lines[0])
	}
	if !strings.Contains(lines[0], `"masked_token":"abcd...wxyz"`) {
		t.Fatalf("line 0 = %s", lines[0])
	}
	if !strings.Contains(lines[1], `"error_code":"TIMEOUT"`) {
		t.Fatalf("line 1 = %s", lines[1])
	}
}

func TestJournalAppendAfterClose(t *testing.T) {
	j := NewJournal(t.TempDir(), 1, 1)
	if err := j.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if err := j.Append(types.Succeeded("tok", true)); !errors.Is(err, ErrClosed) {
		t.Fatalf("Append() error = %v, want ErrClosed", err)
	}
}

func TestEntryFor(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	res := types.Succeeded("short", false)
	res.StartedAt = started
	res.Duration = 1500 * time.Millisecond

	e := EntryFor(res)
	if e.MaskedToken != "****" {
		t.Fatalf("MaskedToken = %q", e.MaskedToken)
	}
	if e.DurationMS != 1500 {
		t.Fatalf("DurationMS = %d", e.DurationMS)
	}
	if !e.StartedAt.Equal(started) || e.StartedAt.Location() != time.UTC {
		t.Fatalf("StartedAt = %v", e.StartedAt)
	}
}

func TestJournalReusesLoggerAcrossDays(t *testing.T) {
	j := NewJournal(t.TempDir(), 1, 1)
	logger := j.logger
	day1 := time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Minute)

	j.now = func() time.Time { return day1 }
	j.write(EntryFor(types.Succeeded("token-day-one", true)))
	j.now = func() time.Time { return day2 }
	j.write(EntryFor(types.Succeeded("token-day-two", true)))

	if j.logger != logger {
		t.Fatal("day change replaced the logger")
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	for _, day := range []time.Time{day1, day2} {
		if lines := readEntries(t, j.Path(day)); len(lines) != 1 {
			t.Fatalf("%s lines = %d, want 1", day.Format("2006-01-02"), len(lines))
		}
	}
}
