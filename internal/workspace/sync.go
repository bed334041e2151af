// Package workspace implements the bidirectional synchroniser that mirrors
// a host directory subset into and out of a sandbox's guest /workspace.
package workspace

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/otusdev/otusd/internal/ignore"
)

// RPCClient is the subset of the guest RPC client the synchroniser needs.
// Defined here (rather than imported from internal/rpc) so tests can supply
// a fake without standing up a real transport.
type RPCClient interface {
	Call(ctx context.Context, method string, params, out interface{}) error
}

// dataDirName is the daemon's workspace-local data directory; it and the
// ignore file itself are protected paths, never synced in either direction
// regardless of patterns.
const dataDirName = ".otus"

const ignoreFileName = ".otusignore"

// Protected reports whether relPath is one of the two paths that are never
// synced, independent of the ignore pattern set.
func Protected(relPath string) bool {
	clean := path.Clean(strings.TrimPrefix(filepath.ToSlash(relPath), "/"))
	if clean == dataDirName || strings.HasPrefix(clean, dataDirName+"/") {
		return true
	}
	return clean == ignoreFileName
}

// Syncer mirrors a single host workspace root into and out of sandboxes.
type Syncer struct {
	root string
	log  zerolog.Logger
}

func NewSyncer(root string, log zerolog.Logger) *Syncer {
	return &Syncer{root: root, log: log}
}

// PushResult reports the outcome of a ToSandbox push.
type PushResult struct {
	FilesWritten int
}

// ToSandbox builds a gzipped tar of the workspace (CWD = workspace root,
// portable headers, no mtimes), excluding protected paths and anything
// matching patterns, and ships it to the guest in one RPC call.
func (s *Syncer) ToSandbox(ctx context.Context, client RPCClient, patterns *ignore.Patterns) (PushResult, error) {
	tarBytes, count, err := s.buildTar(patterns)
	if err != nil {
		return PushResult{}, fmt.Errorf("build tar: %w", err)
	}

	params := map[string]any{
		"tarData": base64.StdEncoding.EncodeToString(tarBytes),
	}
	var reply struct {
		FilesWritten int `json:"filesWritten"`
	}
	if err := client.Call(ctx, "sync_to_guest", params, &reply); err != nil {
		return PushResult{}, fmt.Errorf("sync_to_guest: %w", err)
	}
	if reply.FilesWritten == 0 {
		reply.FilesWritten = count
	}
	return PushResult{FilesWritten: reply.FilesWritten}, nil
}

// buildTar walks the workspace root and produces a gzip-compressed tar
// stream in memory, skipping protected and pattern-excluded entries.
func (s *Syncer) buildTar(patterns *ignore.Patterns) ([]byte, int, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)

	count := 0
	walkErr := filepath.Walk(s.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == s.root {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if Protected(rel) || patterns.Match(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if info.IsDir() {
			hdr.Name += "/"
		}
		// Portable headers: no mtime, no owner/group identity.
		hdr.ModTime = time.Time{}
		hdr.AccessTime = time.Time{}
		hdr.ChangeTime = time.Time{}
		hdr.Uid, hdr.Gid = 0, 0
		hdr.Uname, hdr.Gname = "", ""

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := io.Copy(tw, f); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if walkErr != nil {
		return nil, 0, walkErr
	}
	if err := tw.Close(); err != nil {
		return nil, 0, fmt.Errorf("close tar writer: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, 0, fmt.Errorf("close gzip writer: %w", err)
	}
	return buf.Bytes(), count, nil
}

// PullResult reports the outcome of a FromSandbox pull.
type PullResult struct {
	FilesWritten int
	BytesWritten int64
}

// FromSandbox requests a gzipped tar of the guest /workspace (with the
// pattern set as exclude arguments), extracts it over the host workspace
// root into a staging directory, and — only once extraction fully succeeds
// — mirrors the host tree against the tar's snapshot set: anything not in
// the snapshot is deleted, except protected paths, excluded paths, and
// directories that transitively contain excluded/protected descendants.
func (s *Syncer) FromSandbox(ctx context.Context, client RPCClient, patterns *ignore.Patterns) (PullResult, error) {
	var reply struct {
		TarData string `json:"tarData"`
	}
	params := map[string]any{"excludes": patterns.Lines()}
	if err := client.Call(ctx, "sync_from_guest", params, &reply); err != nil {
		return PullResult{}, fmt.Errorf("sync_from_guest: %w", err)
	}
	tarBytes, err := base64.StdEncoding.DecodeString(reply.TarData)
	if err != nil {
		return PullResult{}, fmt.Errorf("decode tar payload: %w", err)
	}

	staging, err := os.MkdirTemp(filepath.Dir(s.root), ".otus-sync-*")
	if err != nil {
		return PullResult{}, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	snapshot, filesWritten, bytesWritten, err := extractTar(tarBytes, staging)
	if err != nil {
		// Extraction failed — the deletion phase must never run.
		return PullResult{}, fmt.Errorf("extract guest tar: %w", err)
	}

	if err := copyStagingOverWorkspace(staging, s.root); err != nil {
		return PullResult{}, fmt.Errorf("apply staged sync: %w", err)
	}

	if err := pruneToSnapshot(s.root, snapshot, patterns); err != nil {
		return PullResult{}, fmt.Errorf("prune workspace to snapshot: %w", err)
	}

	return PullResult{FilesWritten: filesWritten, BytesWritten: bytesWritten}, nil
}

// extractTar decompresses and unpacks tarBytes into destDir, returning the
// set of relative paths present in the archive (files and the implicit
// parent directories of each entry) — the "snapshot set".
func extractTar(tarBytes []byte, destDir string) (map[string]bool, int, int64, error) {
	gr, err := gzip.NewReader(bytes.NewReader(tarBytes))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open gzip stream: %w", err)
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	snapshot := make(map[string]bool)
	filesWritten := 0
	var bytesWritten int64

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, 0, fmt.Errorf("read tar entry: %w", err)
		}

		rel := path.Clean(strings.TrimSuffix(filepath.ToSlash(hdr.Name), "/"))
		if rel == "." || rel == "" {
			continue
		}
		addSnapshotAncestors(snapshot, rel)

		target := filepath.Join(destDir, filepath.FromSlash(rel))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, 0, 0, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, 0, 0, err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return nil, 0, 0, err
			}
			n, copyErr := io.Copy(f, tr)
			f.Close()
			if copyErr != nil {
				return nil, 0, 0, copyErr
			}
			bytesWritten += n
			filesWritten++
		case tar.TypeSymlink:
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return nil, 0, 0, err
			}
		}
	}
	return snapshot, filesWritten, bytesWritten, nil
}

func addSnapshotAncestors(snapshot map[string]bool, rel string) {
	snapshot[rel] = true
	dir := path.Dir(rel)
	for dir != "." && dir != "/" && dir != "" {
		snapshot[dir] = true
		dir = path.Dir(dir)
	}
}

// copyStagingOverWorkspace copies every entry from staging onto root,
// overwriting existing files — the "extract over the host workspace root"
// step. Run only after extractTar has fully succeeded.
func copyStagingOverWorkspace(staging, root string) error {
	return filepath.Walk(staging, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == staging {
			return nil
		}
		rel, err := filepath.Rel(staging, p)
		if err != nil {
			return err
		}
		dest := filepath.Join(root, rel)
		if info.IsDir() {
			return os.MkdirAll(dest, 0o755)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			os.Remove(dest)
			return os.Symlink(link, dest)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		src, err := os.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()
		out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, src)
		return err
	})
}

// pruneToSnapshot deletes anything under root that is not in the snapshot
// set, except protected paths, pattern-excluded paths, and directories that
// transitively contain excluded/protected descendants.
func pruneToSnapshot(root string, snapshot map[string]bool, patterns *ignore.Patterns) error {
	var toRemove []string

	walkErr := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if Protected(rel) || patterns.Match(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if snapshot[rel] {
			return nil
		}
		if info.IsDir() && dirHasPreservedDescendant(p, root, patterns) {
			// Keep the directory itself; its non-snapshot children are
			// still walked and individually considered for removal.
			return nil
		}
		toRemove = append(toRemove, p)
		if info.IsDir() {
			return filepath.SkipDir
		}
		return nil
	})
	if walkErr != nil {
		return walkErr
	}

	// Remove deepest paths first so child entries don't trip over an
	// already-removed parent.
	sort.Slice(toRemove, func(i, j int) bool {
		return len(toRemove[i]) > len(toRemove[j])
	})
	for _, p := range toRemove {
		if err := os.RemoveAll(p); err != nil {
			return err
		}
	}
	return nil
}

// dirHasPreservedDescendant reports whether dir contains, at any depth, a
// path that is protected or pattern-excluded — such a directory must
// survive pruning even though it is absent from the snapshot.
func dirHasPreservedDescendant(dir, root string, patterns *ignore.Patterns) bool {
	found := false
	_ = filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil || found {
			return filepath.SkipDir
		}
		if p == dir {
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if Protected(rel) || patterns.Match(rel) {
			found = true
			return filepath.SkipDir
		}
		return nil
	})
	return found
}
