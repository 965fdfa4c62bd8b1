package backup

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestBackupExpandsExcludePresets(t *testing.T) {
	binary := fakeEngine(t, `echo "$@"`)
	job := testBackupJob()
	job.ExcludePatterns = []string{"scratch/*"}
	job.Metadata = map[string]string{"exclude_presets": "os"}

	r := NewRestic(binary, zerolog.Nop())
	res, err := r.Backup(context.Background(), RepoConfig{Repository: "s3:bucket/repo"}, job)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}

	argv := string(res.Stdout)
	for _, want := range []string{"--exclude .DS_Store", "--exclude scratch/*"} {
		if !strings.Contains(argv, want) {
			t.Errorf("expected %q in engine args, got: %s", want, argv)
		}
	}
	// Preset patterns come before the job's own.
	if strings.Index(argv, ".DS_Store") > strings.Index(argv, "scratch/*") {
		t.Errorf("preset patterns should precede job patterns: %s", argv)
	}
}
