package sqlconn

import (
	// mysql and postgres drivers are pulled in by the transient error
	// classifier; sqlite registers here.
	_ "github.com/mattn/go-sqlite3"
)
