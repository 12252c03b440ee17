// Package source discovers file-based migrations. It feeds the runner a
// list of migration units and has no effect on the runner's correctness.
//
// Files follow `<version>_<name>.up.sql` / `<version>_<name>.down.sql`,
// the version being a sortable timestamp-like integer so lexical and
// numeric ordering agree. The down file is optional; a migration without
// one is skipped with a warning on rollback.
package source

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/parsql/migrations"
	"github.com/pkg/errors"
)

const DefaultFolder = "./migrations"

const (
	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

var fileNameRx = regexp.MustCompile(`^(\d+)_([A-Za-z0-9][\w-]*)\.(up|down)\.sql$`)

var ErrInvalidFileName = errors.New("invalid migration file name")
var ErrMissingUpFile = errors.New("migration has a down file but no up file")
var ErrVersionCollision = errors.New("two migration names share a version")

type pair struct {
	version  int64
	name     string
	upPath   string
	downPath string
}

// Scan reads folder and builds one migration per version pair, sorted
// ascending. Files that do not match the naming convention are ignored.
func Scan(folder string) (migrations.Migrations, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read migrations folder [%s]", folder)
	}

	pairs := make(map[int64]*pair)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		groups := fileNameRx.FindStringSubmatch(entry.Name())
		if groups == nil {
			continue
		}

		version, err := strconv.ParseInt(groups[1], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidFileName, "%s", entry.Name())
		}

		name := groups[2]
		p, ok := pairs[version]
		if !ok {
			p = &pair{version: version, name: name}
			pairs[version] = p
		} else if p.name != name {
			return nil, errors.Wrapf(ErrVersionCollision, "version %d used by [%s] and [%s]", version, p.name, name)
		}

		path := filepath.Join(folder, entry.Name())
		if groups[3] == "up" {
			p.upPath = path
		} else {
			p.downPath = path
		}
	}

	result := make(migrations.Migrations, 0, len(pairs))
	for _, p := range pairs {
		if p.upPath == "" {
			return nil, errors.Wrapf(ErrMissingUpFile, "version %d (%s)", p.version, p.name)
		}

		up, err := os.ReadFile(p.upPath)
		if err != nil {
			return nil, errors.Wrapf(err, "could not read [%s]", p.upPath)
		}

		var down []byte
		if p.downPath != "" {
			down, err = os.ReadFile(p.downPath)
			if err != nil {
				return nil, errors.Wrapf(err, "could not read [%s]", p.downPath)
			}
		}

		result = append(result, migrations.NewSQLMigration(p.version, p.name, string(up), string(down)))
	}

	sort.Sort(result)
	return result, nil
}

// Create scaffolds an empty up/down pair and returns both paths.
func Create(folder string, version int64, name string) (string, string, error) {
	if !fileNameRx.MatchString(key(version, name) + upSuffix) {
		return "", "", errors.Wrapf(ErrInvalidFileName, "%d_%s", version, name)
	}

	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", "", errors.Wrapf(err, "could not create migrations folder [%s]", folder)
	}

	upPath := filepath.Join(folder, key(version, name)+upSuffix)
	downPath := filepath.Join(folder, key(version, name)+downSuffix)

	for _, path := range []string{upPath, downPath} {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			return "", "", errors.Wrapf(err, "could not create [%s]", path)
		}
		if err := f.Close(); err != nil {
			return "", "", errors.Wrapf(err, "could not close [%s]", path)
		}
	}

	return upPath, downPath, nil
}

func key(version int64, name string) string {
	return strconv.FormatInt(version, 10) + "_" + name
}

// GenerateVersion derives a sortable datetime version from the clock.
func GenerateVersion(clock func() time.Time) int64 {
	if clock == nil {
		clock = time.Now
	}

	v, _ := strconv.ParseInt(clock().UTC().Format("20060102150405"), 10, 64)
	return v
}
