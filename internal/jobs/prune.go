package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	logx "workerd/pkg/logx"
)

const KindPrune = "prune"

type pruneOptions struct {
	Dir      string `json:"dir"`
	Pattern  string `json:"pattern"`   // filepath.Match glob on the base name; default "*"
	MaxAge   string `json:"max_age"`   // e.g. "72h"
	MaxBytes string `json:"max_bytes"` // e.g. "512MB", "1GiB"
	DryRun   bool   `json:"dry_run"`
}

type pruneSpec struct {
	dir      string
	pattern  string
	maxAge   time.Duration
	maxBytes uint64
	dryRun   bool
}

type candidate struct {
	path string
	size uint64
	mod  time.Time
}

// NewPrune deletes regular files directly under dir whose name matches
// pattern when they are older than max_age, then oldest first while the
// matching files still total more than max_bytes.
func NewPrune(name string, raw json.RawMessage, deps Deps) (Func, error) {
	var o pruneOptions
	if err := DecodeOptions(raw, &o); err != nil {
		return nil, err
	}
	spec, err := o.parse()
	if err != nil {
		return nil, err
	}
	log := deps.Log.With(logx.String("worker", name), logx.String("dir", spec.dir))
	return func(ctx context.Context) (string, error) {
		return spec.run(ctx, time.Now(), log)
	}, nil
}

func (o pruneOptions) parse() (pruneSpec, error) {
	s := pruneSpec{
		dir:     strings.TrimSpace(o.Dir),
		pattern: strings.TrimSpace(o.Pattern),
		dryRun:  o.DryRun,
	}
	if s.dir == "" {
		return s, errors.New("dir is required")
	}
	if s.pattern == "" {
		s.pattern = "*"
	}
	if _, err := filepath.Match(s.pattern, ""); err != nil {
		return s, fmt.Errorf("pattern: %w", err)
	}
	if v := strings.TrimSpace(o.MaxAge); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return s, fmt.Errorf("max_age: invalid duration %q", o.MaxAge)
		}
		s.maxAge = d
	}
	if v := strings.TrimSpace(o.MaxBytes); v != "" {
		n, err := humanize.ParseBytes(v)
		if err != nil {
			return s, fmt.Errorf("max_bytes: %w", err)
		}
		s.maxBytes = n
	}
	if s.maxAge == 0 && s.maxBytes == 0 {
		return s, errors.New("at least one of max_age or max_bytes is required")
	}
	return s, nil
}

func (s pruneSpec) run(ctx context.Context, now time.Time, log logx.Logger) (string, error) {
	files, err := s.scan()
	if err != nil {
		return "", err
	}

	// oldest first
	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })
	var total uint64
	for _, f := range files {
		total += f.size
	}

	var (
		removed, freed uint64
		errs           []error
	)
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		tooOld := s.maxAge > 0 && now.Sub(f.mod) > s.maxAge
		overBudget := s.maxBytes > 0 && total > s.maxBytes
		if !tooOld && !overBudget {
			// later files are younger and total only shrinks
			break
		}
		if !s.dryRun {
			if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
				continue
			}
		}
		log.Debug("pruned", logx.String("file", filepath.Base(f.path)), logx.String("size", humanize.Bytes(f.size)), logx.Bool("dry_run", s.dryRun))
		removed++
		freed += f.size
		total -= f.size
	}

	verb := "removed"
	if s.dryRun {
		verb = "would remove"
	}
	detail := fmt.Sprintf("%s %d of %d files, freed %s, %s left", verb, removed, len(files), humanize.Bytes(freed), humanize.Bytes(total))
	if removed > 0 {
		log.Info("prune finished", logx.Uint64("removed", removed), logx.String("freed", humanize.Bytes(freed)), logx.Bool("dry_run", s.dryRun))
	}
	return detail, errors.Join(errs...)
}

func (s pruneSpec) scan() ([]candidate, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	out := make([]candidate, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if ok, _ := filepath.Match(s.pattern, e.Name()); !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue // removed since ReadDir
		}
		out = append(out, candidate{
			path: filepath.Join(s.dir, e.Name()),
			size: uint64(info.Size()),
			mod:  info.ModTime(),
		})
	}
	return out, nil
}
