// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package cleanup

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// Result counts what a Clean pass removed. Errors on individual entries
// are logged and counted; they never abort the walk.
type Result struct {
	FilesDeleted   int
	FoldersDeleted int
	Errors         int
}

// Clean walks root and removes matching entries. A plain file is deleted
// when file_patterns match it; inside a directory, subdirectories whose
// name matches folder_patterns are removed wholesale while others are
// recursed into, and matching files are deleted. Empty directories are
// pruned on the way out. The walk never ascends above root.
func (c *Cleaner) Clean(root string) Result {
	patterns := c.Patterns()

	var res Result

	info, err := os.Stat(root)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Str("path", root).Msg("cleanup: stat failed")
			res.Errors++
		}
		return res
	}

	if !info.IsDir() {
		if patterns.ShouldDeleteFile(info.Name()) {
			if err := os.Remove(root); err != nil {
				log.Error().Err(err).Str("path", root).Msg("cleanup: delete file failed")
				res.Errors++
			} else {
				log.Debug().Str("path", root).Msg("cleanup: deleted file")
				res.FilesDeleted++
			}
		}
		return res
	}

	cleanDir(root, patterns, &res)
	return res
}

func cleanDir(dir string, patterns *Patterns, res *Result) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Error().Err(err).Str("path", dir).Msg("cleanup: read dir failed")
		res.Errors++
		return
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())

		if entry.IsDir() {
			if patterns.ShouldDeleteFolder(entry.Name()) {
				if err := os.RemoveAll(path); err != nil {
					log.Error().Err(err).Str("path", path).Msg("cleanup: delete folder failed")
					res.Errors++
					continue
				}
				log.Info().Str("path", path).Msg("cleanup: deleted folder")
				res.FoldersDeleted++
				continue
			}
			cleanDir(path, patterns, res)
			continue
		}

		if patterns.ShouldDeleteFile(entry.Name()) {
			if err := os.Remove(path); err != nil {
				log.Error().Err(err).Str("path", path).Msg("cleanup: delete file failed")
				res.Errors++
				continue
			}
			log.Debug().Str("path", path).Msg("cleanup: deleted file")
			res.FilesDeleted++
		}
	}

	// Prune the directory itself once emptied. Removal failures here are
	// expected while anything remains inside.
	remaining, err := os.ReadDir(dir)
	if err == nil && len(remaining) == 0 {
		if err := os.Remove(dir); err == nil {
			log.Debug().Str("path", dir).Msg("cleanup: removed empty directory")
		}
	}
}
