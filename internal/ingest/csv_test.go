package ingest

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hurttlocker/bubblescope/internal/interaction"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestReadInteractions_CSV(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "comments.csv", "\ufeffvideo_id,author_id,channel_id,published_at,text\n"+
		"v1,alice,fox,2021-03-04T05:06:07Z,hello\n"+
		"v2,bob,cnn,1614834367,\"quoted, text\"\n"+
		"v3,,cnn,,missing author\n"+
		"v4,carol\n")

	rows, err := ReadInteractions(context.Background(), path)
	if err != nil {
		t.Fatalf("ReadInteractions: %v", err)
	}
	want := []interaction.Interaction{
		{UserID: "alice", ContentID: "v1", ChannelID: "fox", Timestamp: time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)},
		{UserID: "bob", ContentID: "v2", ChannelID: "cnn", Timestamp: time.Unix(1614834367, 0).UTC()},
		{UserID: "", ContentID: "v3", ChannelID: "cnn"},
		{UserID: "carol", ContentID: "v4", ChannelID: ""},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Fatalf("rows (-want +got):\n%s", diff)
	}

	_, stats := interaction.Build(slices.Values(rows), interaction.Scope{})
	if stats.Skipped != 1 || stats.Kept != 3 {
		t.Fatalf("only the row without an author should be skipped, got %+v", stats)
	}
}

func TestReadInteractions_DirectoryOfTSV(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.tsv", "user_id\tcontent_id\tchannel_id\nu2\tv2\tcnn\n")
	writeFile(t, dir, "a.tsv", "user_id\tcontent_id\tchannel_id\nu1\tv1\tfox\n")
	writeFile(t, dir, "notes.txt", "ignored")

	rows, err := ReadInteractions(context.Background(), dir)
	if err != nil {
		t.Fatalf("ReadInteractions: %v", err)
	}
	if len(rows) != 2 || rows[0].UserID != "u1" || rows[1].UserID != "u2" {
		t.Fatalf("expected files in name order, got %+v", rows)
	}
}

func TestReadInteractions_MissingColumn(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bad.csv", "user_id,channel_id\nu1,fox\n")
	if _, err := ReadInteractions(context.Background(), path); err == nil {
		t.Fatal("expected error for missing content column")
	}
}

func TestReadChannels(t *testing.T) {
	path := writeFile(t, t.TempDir(), "channels.csv", "channel_id,channel_name\nfox,Fox News\ncnn,CNN\n,orphan\n")
	got, err := ReadChannels(path)
	if err != nil {
		t.Fatalf("ReadChannels: %v", err)
	}
	if diff := cmp.Diff(map[string]string{"fox": "Fox News", "cnn": "CNN"}, got); diff != "" {
		t.Fatalf("channels (-want +got):\n%s", diff)
	}
}
