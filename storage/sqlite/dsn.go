package sqlite

import "net/url"

// DSN builds the connection string for path with the pragmas the control
// plane needs: WAL so the delivery scanner and request handlers interleave,
// a busy timeout instead of immediate SQLITE_BUSY, and foreign keys on.
func DSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(ON)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}
