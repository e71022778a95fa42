// SPDX-License-Identifier: GPL-2.0-or-later

package convert

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FindRecordings returns all .vraw files under dir, sorted.
func FindRecordings(dir string) ([]string, error) {
	var inputs []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".vraw") {
			inputs = append(inputs, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(inputs)
	return inputs, nil
}

// BatchResult is the outcome for one recording.
type BatchResult struct {
	InputPath string
	Result    Result
	Err       error
}

// ConvertAll converts recordings concurrently. The conf input and
// output paths are ignored, each recording derives its own output.
// Results are returned in input order once all workers are done.
func (c *Converter) ConvertAll(
	ctx context.Context,
	conf Config,
	inputs []string,
	workers int,
) []BatchResult {
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan int)
	results := make([]BatchResult, len(inputs))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				jobConf := conf
				jobConf.InputPath = inputs[job]
				jobConf.OutputPath = ""

				result, err := c.Convert(ctx, jobConf)
				results[job] = BatchResult{
					InputPath: inputs[job],
					Result:    result,
					Err:       err,
				}
			}
		}()
	}

	for i := range inputs {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return results
}
