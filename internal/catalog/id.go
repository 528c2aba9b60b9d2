// Package catalog enumerates the versions a KiCad project can be diffed
// against: git commits, dated backup snapshots, and the working state.
package catalog

import (
	"fmt"
	"regexp"
	"time"
)

// WorkingName is the identifier the working state resolves from.
const WorkingName = "WORK"

var (
	datePat = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	hashPat = regexp.MustCompile(`^[0-9a-f]{4,40}$`)
)

type Kind uint8

const (
	// KindWorking is the uncommitted on-disk state.
	KindWorking Kind = iota
	// KindGitCommit identifies a commit reachable from HEAD.
	KindGitCommit
	// KindBackup identifies a dated entry in the <proj>-backups directory.
	KindBackup
)

func (k Kind) String() string {
	switch k {
	case KindWorking:
		return "working"
	case KindGitCommit:
		return "git"
	case KindBackup:
		return "backup"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ID is a resolved version identifier. Exactly one of Hash or Date is set,
// matching Kind; the zero value is the working state.
type ID struct {
	Kind Kind
	Hash string // full 40-hex commit hash, KindGitCommit only
	Date string // YYYY-MM-DD, KindBackup only
}

func Working() ID { return ID{Kind: KindWorking} }

func CommitID(hash string) ID { return ID{Kind: KindGitCommit, Hash: hash} }

func Backup(date string) ID { return ID{Kind: KindBackup, Date: date} }

// String renders the identifier the way URLs and cache keys spell it.
func (id ID) String() string {
	switch id.Kind {
	case KindGitCommit:
		return id.Hash
	case KindBackup:
		return id.Date
	}
	return WorkingName
}

// IsWorking reports whether id names the uncommitted on-disk state.
func (id ID) IsWorking() bool { return id.Kind == KindWorking }

// Entry is one row of the catalog as shown to the user.
type Entry struct {
	ID    ID
	Label string
	When  time.Time
}

// Commit is the subset of commit metadata the catalog needs.
type Commit struct {
	Hash    string
	Summary string
	When    time.Time
}
