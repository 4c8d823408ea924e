// Package store is the persisted mirror of the portal hierarchy. All rows
// are scoped by user id; writes for different users never interact. Within
// one user the store assumes a single writer — concurrent crawls for the
// same user are fenced off upstream by the crawler's single-flight guard.
package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"campusmirror/internal/models"
)

//go:embed schema.sql
var schema string

// ErrParentNotFound is returned when an upsert references a parent that does
// not exist for that user. Identity and parent linkage are immutable after
// creation, so this only ever fires on first observation of an entity.
var ErrParentNotFound = errors.New("referenced parent not found")

// Store handles all mirror persistence.
type Store struct {
	db *sql.DB
}

// Open opens (and initializes) the mirror database at path.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureUser creates the user row if it does not exist yet.
func (s *Store) EnsureUser(userID, username string) error {
	_, err := s.db.Exec(
		"INSERT INTO users (id, username) VALUES (?, ?) ON CONFLICT(id) DO NOTHING",
		userID, username,
	)
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

// SetUserEmail records the scraped profile email.
func (s *Store) SetUserEmail(userID, email string) error {
	_, err := s.db.Exec("UPDATE users SET email = ? WHERE id = ?", email, userID)
	if err != nil {
		return fmt.Errorf("set user email: %w", err)
	}
	return nil
}

// UpsertCourse inserts or diff-updates a course. Only the mutable
// descriptive fields (title, description, year) participate in the diff.
func (s *Store) UpsertCourse(c models.Course, crawlID string) (created, changed bool, err error) {
	var title, description, year string
	err = s.db.QueryRow(
		"SELECT title, description, year FROM courses WHERE id = ? AND user_id = ?",
		c.ID, c.UserID,
	).Scan(&title, &description, &year)

	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.Exec(
			"INSERT INTO courses (id, user_id, title, description, year, last_seen_crawl) VALUES (?, ?, ?, ?, ?, ?)",
			c.ID, c.UserID, c.Title, c.Description, c.Year, crawlID,
		)
		if err != nil {
			return false, false, fmt.Errorf("insert course %s: %w", c.ID, err)
		}
		return true, true, nil
	case err != nil:
		return false, false, fmt.Errorf("get course %s: %w", c.ID, err)
	}

	if title == c.Title && description == c.Description && year == c.Year {
		_, err = s.db.Exec(
			"UPDATE courses SET last_seen_crawl = ? WHERE id = ? AND user_id = ?",
			crawlID, c.ID, c.UserID,
		)
		return false, false, err
	}
	_, err = s.db.Exec(
		"UPDATE courses SET title = ?, description = ?, year = ?, last_seen_crawl = ? WHERE id = ? AND user_id = ?",
		c.Title, c.Description, c.Year, crawlID, c.ID, c.UserID,
	)
	if err != nil {
		return false, false, fmt.Errorf("update course %s: %w", c.ID, err)
	}
	return false, true, nil
}

// UpsertGroup inserts or diff-updates a group.
func (s *Store) UpsertGroup(g models.Group, crawlID string) (created, changed bool, err error) {
	var title, description, year string
	err = s.db.QueryRow(
		"SELECT title, description, year FROM groups WHERE id = ? AND user_id = ?",
		g.ID, g.UserID,
	).Scan(&title, &description, &year)

	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.Exec(
			"INSERT INTO groups (id, user_id, title, description, year, parent_id, last_seen_crawl) VALUES (?, ?, ?, ?, ?, ?, ?)",
			g.ID, g.UserID, g.Title, g.Description, g.Year, g.ParentID, crawlID,
		)
		if err != nil {
			return false, false, fmt.Errorf("insert group %s: %w", g.ID, err)
		}
		return true, true, nil
	case err != nil:
		return false, false, fmt.Errorf("get group %s: %w", g.ID, err)
	}

	if title == g.Title && description == g.Description && year == g.Year {
		_, err = s.db.Exec(
			"UPDATE groups SET last_seen_crawl = ? WHERE id = ? AND user_id = ?",
			crawlID, g.ID, g.UserID,
		)
		return false, false, err
	}
	_, err = s.db.Exec(
		"UPDATE groups SET title = ?, description = ?, year = ?, last_seen_crawl = ? WHERE id = ? AND user_id = ?",
		g.Title, g.Description, g.Year, crawlID, g.ID, g.UserID,
	)
	if err != nil {
		return false, false, fmt.Errorf("update group %s: %w", g.ID, err)
	}
	return false, true, nil
}

// UpsertDirectory inserts or diff-updates a directory. The parent (another
// directory, or the course for roots) must already exist.
func (s *Store) UpsertDirectory(d models.Directory, crawlID string) (created, changed bool, err error) {
	if err := s.checkParent(d.UserID, d.ParentID, d.CourseID); err != nil {
		return false, false, err
	}

	var name, description string
	err = s.db.QueryRow(
		"SELECT name, description FROM directories WHERE id = ? AND user_id = ?",
		d.ID, d.UserID,
	).Scan(&name, &description)

	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.Exec(
			"INSERT INTO directories (id, user_id, name, description, parent_id, course_id, favorite, last_seen_crawl) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			d.ID, d.UserID, d.Name, d.Description, d.ParentID, d.CourseID, boolToInt(d.Favorite), crawlID,
		)
		if err != nil {
			return false, false, fmt.Errorf("insert directory %s: %w", d.ID, err)
		}
		return true, true, nil
	case err != nil:
		return false, false, fmt.Errorf("get directory %s: %w", d.ID, err)
	}

	if name == d.Name && description == d.Description {
		_, err = s.db.Exec(
			"UPDATE directories SET last_seen_crawl = ? WHERE id = ? AND user_id = ?",
			crawlID, d.ID, d.UserID,
		)
		return false, false, err
	}
	_, err = s.db.Exec(
		"UPDATE directories SET name = ?, description = ?, last_seen_crawl = ? WHERE id = ? AND user_id = ?",
		d.Name, d.Description, crawlID, d.ID, d.UserID,
	)
	if err != nil {
		return false, false, fmt.Errorf("update directory %s: %w", d.ID, err)
	}
	return false, true, nil
}

// UpsertFile inserts or diff-updates a file.
func (s *Store) UpsertFile(f models.File, crawlID string) (created, changed bool, err error) {
	if err := s.checkParent(f.UserID, f.ParentID, f.CourseID); err != nil {
		return false, false, err
	}

	var name, ftype string
	err = s.db.QueryRow(
		"SELECT name, type FROM files WHERE id = ? AND user_id = ?",
		f.ID, f.UserID,
	).Scan(&name, &ftype)

	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.Exec(
			"INSERT INTO files (id, user_id, name, type, parent_id, course_id, last_seen_crawl) VALUES (?, ?, ?, ?, ?, ?, ?)",
			f.ID, f.UserID, f.Name, f.Type, f.ParentID, f.CourseID, crawlID,
		)
		if err != nil {
			return false, false, fmt.Errorf("insert file %s: %w", f.ID, err)
		}
		return true, true, nil
	case err != nil:
		return false, false, fmt.Errorf("get file %s: %w", f.ID, err)
	}

	if name == f.Name && ftype == f.Type {
		_, err = s.db.Exec(
			"UPDATE files SET last_seen_crawl = ? WHERE id = ? AND user_id = ?",
			crawlID, f.ID, f.UserID,
		)
		return false, false, err
	}
	_, err = s.db.Exec(
		"UPDATE files SET name = ?, type = ?, last_seen_crawl = ? WHERE id = ? AND user_id = ?",
		f.Name, f.Type, crawlID, f.ID, f.UserID,
	)
	if err != nil {
		return false, false, fmt.Errorf("update file %s: %w", f.ID, err)
	}
	return false, true, nil
}

// checkParent verifies the parent linkage: a non-nil parent must be an
// existing directory of the same user, a nil parent means the entity hangs
// off its course, which must exist.
func (s *Store) checkParent(userID string, parentID *string, courseID string) error {
	var count int
	if parentID != nil {
		err := s.db.QueryRow(
			"SELECT COUNT(*) FROM directories WHERE id = ? AND user_id = ?",
			*parentID, userID,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("check parent directory: %w", err)
		}
		if count == 0 {
			return fmt.Errorf("%w: directory %s", ErrParentNotFound, *parentID)
		}
		return nil
	}
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM courses WHERE id = ? AND user_id = ?",
		courseID, userID,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("check parent course: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("%w: course %s", ErrParentNotFound, courseID)
	}
	return nil
}

// GetCourse returns a course by id, or nil when absent.
func (s *Store) GetCourse(userID, id string) (*models.Course, error) {
	var c models.Course
	err := s.db.QueryRow(
		"SELECT id, user_id, title, description, year FROM courses WHERE id = ? AND user_id = ?",
		id, userID,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.Description, &c.Year)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get course: %w", err)
	}
	return &c, nil
}

// GetDirectory returns a directory by id, or nil when absent.
func (s *Store) GetDirectory(userID, id string) (*models.Directory, error) {
	var d models.Directory
	var parent sql.NullString
	var favorite int
	err := s.db.QueryRow(
		"SELECT id, user_id, name, description, parent_id, course_id, favorite FROM directories WHERE id = ? AND user_id = ?",
		id, userID,
	).Scan(&d.ID, &d.UserID, &d.Name, &d.Description, &parent, &d.CourseID, &favorite)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get directory: %w", err)
	}
	if parent.Valid {
		d.ParentID = &parent.String
	}
	d.Favorite = favorite != 0
	return &d, nil
}

// GetFile returns a file by id, or nil when absent.
func (s *Store) GetFile(userID, id string) (*models.File, error) {
	var f models.File
	var parent sql.NullString
	err := s.db.QueryRow(
		"SELECT id, user_id, name, type, parent_id, course_id FROM files WHERE id = ? AND user_id = ?",
		id, userID,
	).Scan(&f.ID, &f.UserID, &f.Name, &f.Type, &parent, &f.CourseID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	if parent.Valid {
		f.ParentID = &parent.String
	}
	return &f, nil
}

// Courses returns all courses of a user.
func (s *Store) Courses(userID string) ([]models.Course, error) {
	rows, err := s.db.Query(
		"SELECT id, user_id, title, description, year FROM courses WHERE user_id = ? ORDER BY id",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query courses: %w", err)
	}
	defer rows.Close()

	var courses []models.Course
	for rows.Next() {
		var c models.Course
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.Description, &c.Year); err != nil {
			return nil, fmt.Errorf("scan course: %w", err)
		}
		courses = append(courses, c)
	}
	return courses, rows.Err()
}

// Children holds the direct child entities of a course or directory.
type Children struct {
	Directories []models.Directory
	Files       []models.File
}

// ListChildren returns the direct children of a node. A course id ("c-...")
// yields its root directories and files; a directory id ("d-...") yields
// the entries inside that directory.
func (s *Store) ListChildren(userID, parentOrCourseID string) (*Children, error) {
	dirWhere := "parent_id = ?"
	fileWhere := "parent_id = ?"
	arg := parentOrCourseID
	if parentOrCourseID == "" || parentOrCourseID[0] == 'c' {
		dirWhere = "course_id = ? AND parent_id IS NULL"
		fileWhere = "course_id = ? AND parent_id IS NULL"
	}

	out := &Children{}
	rows, err := s.db.Query(
		"SELECT id, user_id, name, description, parent_id, course_id, favorite FROM directories WHERE user_id = ? AND "+dirWhere+" ORDER BY name",
		userID, arg,
	)
	if err != nil {
		return nil, fmt.Errorf("query child directories: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d models.Directory
		var parent sql.NullString
		var favorite int
		if err := rows.Scan(&d.ID, &d.UserID, &d.Name, &d.Description, &parent, &d.CourseID, &favorite); err != nil {
			return nil, fmt.Errorf("scan child directory: %w", err)
		}
		if parent.Valid {
			d.ParentID = &parent.String
		}
		d.Favorite = favorite != 0
		out.Directories = append(out.Directories, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	frows, err := s.db.Query(
		"SELECT id, user_id, name, type, parent_id, course_id FROM files WHERE user_id = ? AND "+fileWhere+" ORDER BY name",
		userID, arg,
	)
	if err != nil {
		return nil, fmt.Errorf("query child files: %w", err)
	}
	defer frows.Close()
	for frows.Next() {
		var f models.File
		var parent sql.NullString
		if err := frows.Scan(&f.ID, &f.UserID, &f.Name, &f.Type, &parent, &f.CourseID); err != nil {
			return nil, fmt.Errorf("scan child file: %w", err)
		}
		if parent.Valid {
			f.ParentID = &parent.String
		}
		out.Files = append(out.Files, f)
	}
	return out, frows.Err()
}

// ExistsRef reports whether an entity of the given kind with the given
// external reference is already mirrored.
func (s *Store) ExistsRef(userID string, kind models.ItemKind, ref string) (bool, error) {
	var table, id string
	switch kind {
	case models.KindCourse:
		table, id = "courses", models.CourseID(ref)
	case models.KindGroup:
		table, id = "groups", models.CourseID(ref)
	case models.KindFolder:
		table, id = "directories", models.DirectoryID(ref)
	case models.KindFile:
		table, id = "files", ref
	default:
		return false, fmt.Errorf("unknown kind %q", kind)
	}
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM "+table+" WHERE id = ? AND user_id = ?",
		id, userID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("exists %s %s: %w", kind, ref, err)
	}
	return count > 0, nil
}

// UnprocessedDirectories returns the directories not yet visited in the
// given crawl. The level-order loop re-queries this instead of keeping an
// in-memory stack, so traversal depth is bounded and mid-crawl insertions
// are picked up.
func (s *Store) UnprocessedDirectories(userID, crawlID string) ([]models.Directory, error) {
	rows, err := s.db.Query(
		"SELECT id, user_id, name, description, parent_id, course_id, favorite FROM directories WHERE user_id = ? AND processed_crawl != ? ORDER BY id",
		userID, crawlID,
	)
	if err != nil {
		return nil, fmt.Errorf("query unprocessed directories: %w", err)
	}
	defer rows.Close()

	var dirs []models.Directory
	for rows.Next() {
		var d models.Directory
		var parent sql.NullString
		var favorite int
		if err := rows.Scan(&d.ID, &d.UserID, &d.Name, &d.Description, &parent, &d.CourseID, &favorite); err != nil {
			return nil, fmt.Errorf("scan unprocessed directory: %w", err)
		}
		if parent.Valid {
			d.ParentID = &parent.String
		}
		d.Favorite = favorite != 0
		dirs = append(dirs, d)
	}
	return dirs, rows.Err()
}

// MarkDirectoryProcessed stamps a directory with the crawl that visited it.
func (s *Store) MarkDirectoryProcessed(userID, dirID, crawlID string) error {
	_, err := s.db.Exec(
		"UPDATE directories SET processed_crawl = ? WHERE id = ? AND user_id = ?",
		crawlID, dirID, userID,
	)
	if err != nil {
		return fmt.Errorf("mark directory processed: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
