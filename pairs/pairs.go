// Package pairs finds base image / height map pairs by file name.
//
// A map belongs to the base image in the same directory whose name without
// extension equals the map's name with one of the map suffixes removed:
//
//	beach.jpg + beach.depth.png
//	beach.jpg + beach_depth.png
//	beach.jpg + beach-map.jpg
package pairs

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/stevecastle/stereoeye/imageio"
)

// MapSuffixes are the name endings that mark a file as a height map.
var MapSuffixes = []string{".depth", "_depth", "-depth", ".map", "_map", "-map"}

// Pair is one render input.
type Pair struct {
	Name string `json:"name"` // slash separated, without extension
	Base string `json:"base"`
	Map  string `json:"map"`
}

// Result is the outcome of a scan.
type Result struct {
	Pairs []Pair
	// Unmatched lists images that are neither paired bases nor paired maps.
	Unmatched []string
}

// FromDir scans dir (not recursively) for pairs. Returned paths are joined
// with dir.
func FromDir(dir string) (Result, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}

	res := Match(names)
	for i := range res.Pairs {
		res.Pairs[i].Base = filepath.Join(dir, res.Pairs[i].Base)
		res.Pairs[i].Map = filepath.Join(dir, res.Pairs[i].Map)
	}
	for i := range res.Unmatched {
		res.Unmatched[i] = filepath.Join(dir, res.Unmatched[i])
	}
	return res, nil
}

// Match pairs up slash separated file names. Names that are not decodable
// images are ignored. Pairs are sorted by name.
func Match(names []string) Result {
	bases := map[string][]string{}
	maps := map[string]string{}
	var order []string

	for _, name := range names {
		ext := path.Ext(name)
		if !imageio.IsInputExt(ext) {
			continue
		}
		stem := strings.TrimSuffix(name, ext)
		if key, ok := mapKey(stem); ok {
			if prev, dup := maps[key]; dup {
				logrus.WithFields(logrus.Fields{"kept": prev, "ignored": name}).Warn("Duplicate height map")
				continue
			}
			maps[key] = name
			continue
		}
		if _, seen := bases[stem]; !seen {
			order = append(order, stem)
		}
		bases[stem] = append(bases[stem], name)
	}

	var res Result
	usedMaps := map[string]bool{}
	for _, key := range order {
		candidates := bases[key]
		slices.Sort(candidates)
		m, ok := maps[key]
		if !ok {
			res.Unmatched = append(res.Unmatched, candidates...)
			continue
		}
		if len(candidates) > 1 {
			logrus.WithFields(logrus.Fields{"kept": candidates[0], "ignored": candidates[1:]}).Warn("Several base images share a name")
			res.Unmatched = append(res.Unmatched, candidates[1:]...)
		}
		usedMaps[key] = true
		res.Pairs = append(res.Pairs, Pair{Name: key, Base: candidates[0], Map: m})
	}
	for key, m := range maps {
		if !usedMaps[key] {
			res.Unmatched = append(res.Unmatched, m)
		}
	}

	slices.SortFunc(res.Pairs, func(a, b Pair) int { return strings.Compare(a.Name, b.Name) })
	slices.Sort(res.Unmatched)
	return res
}

func mapKey(stem string) (string, bool) {
	lower := strings.ToLower(stem)
	for _, suffix := range MapSuffixes {
		if strings.HasSuffix(lower, suffix) && len(stem) > len(suffix) {
			return stem[:len(stem)-len(suffix)], true
		}
	}
	return "", false
}
