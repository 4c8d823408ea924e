package models

import (
	"strings"
	"time"
)

// Item kinds as they appear on portal pages. Courses and groups show up on
// the index page, folders and files inside listing pages.
type ItemKind string

const (
	KindCourse ItemKind = "course"
	KindGroup  ItemKind = "group"
	KindFolder ItemKind = "folder"
	KindFile   ItemKind = "file"
)

// Crawl event types delivered to subscribers.
const (
	EventStart    = "start"
	EventIndexing = "indexing"
	EventNewItem  = "new-item"
	EventFinish   = "finish"
	EventError    = "error"
)

// Session is an opaque bearer token scraped from the portal's cookie jar.
// Liveness is probe-based; the token carries no expiry of its own.
type Session struct {
	Token      string
	AcquiredAt time.Time
}

// Course is a portal course, keyed by its type-prefixed external reference.
type Course struct {
	ID          string // "c-<ref>"
	UserID      string
	Title       string
	Description string
	Year        string
}

// Group is a study group from the index page. Unlike courses, groups can be
// nested (a listing page may contain subgroups).
type Group struct {
	ID          string // "c-<ref>", shares the course id space
	UserID      string
	Title       string
	Description string
	Year        string
	ParentID    *string
}

// Directory is a folder inside a course hierarchy. Root directories have a
// nil ParentID and hang directly off their course.
type Directory struct {
	ID          string // "d-<ref>"
	UserID      string
	Name        string
	Description string
	ParentID    *string
	CourseID    string
	Favorite    bool
}

// File is a leaf node. Its id is the portal's raw file reference, which
// lives in a different id space than courses and directories.
type File struct {
	ID       string
	UserID   string
	Name     string
	Type     string // extension, e.g. "pdf"
	ParentID *string
	CourseID string
}

// CrawlEvent is a transient progress signal emitted during a crawl. It is
// never persisted.
type CrawlEvent struct {
	Type     string
	Name     string
	Ref      string
	CourseID string
	Err      string
}

// CourseID derives the store id for a course from its external reference.
// The type prefix keeps course and directory ids from colliding when the
// portal reuses the same numeric reference.
func CourseID(ref string) string {
	return "c-" + ref
}

// DirectoryID derives the store id for a directory from its external
// reference.
func DirectoryID(ref string) string {
	return "d-" + ref
}

// ExternalRef strips the type prefix from a derived id, recovering the
// portal's own reference. Ids without a prefix (files) pass through.
func ExternalRef(id string) string {
	if i := strings.IndexByte(id, '-'); i == 1 {
		return id[2:]
	}
	return id
}
