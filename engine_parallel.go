package sift

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/jward/sift/internal/fingerprint"
)

// parseItem holds everything a parallel parse worker needs.
type parseItem struct {
	filename string
	cacheKey string
	content  []byte
	blocks   []fingerprint.Block
}

// parseCandidates computes current block checksums for every changed file
// using a three-phase pipeline:
//
//	Phase A (serial):  cache lookup, read file contents.
//	Phase B (parallel): tree-sitter parse via worker pool (parser per call).
//	Phase C (serial):  fill the shared block cache.
//
// A missing or unparseable file contributes zero blocks, so every test
// depending on it is selected.
func (e *Engine) parseCandidates() map[string][]int32 {
	current := make(map[string][]int32, len(e.candidates))

	// ---- Phase A: serial preparation ----
	var items []parseItem
	for _, filename := range e.candidates {
		key := filename + "\x00" + e.fshas[filename]
		if blocks, ok := e.blockCache.Get(key); ok {
			current[filename] = fingerprint.Checksums(blocks)
			continue
		}
		content, err := os.ReadFile(filepath.Join(e.root, filepath.FromSlash(filename)))
		if err != nil {
			current[filename] = nil
			continue
		}
		items = append(items, parseItem{filename: filename, cacheKey: key, content: content})
	}
	if len(items) == 0 {
		return current
	}

	// ---- Phase B: parallel parsing ----
	numWorkers := min(runtime.NumCPU(), len(items))
	if numWorkers < 1 {
		numWorkers = 1
	}

	workCh := make(chan int, len(items))
	for i := range items {
		workCh <- i
	}
	close(workCh)

	var wg sync.WaitGroup
	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Each parse builds its own parser, so workers never share
			// tree-sitter state.
			for i := range workCh {
				items[i].blocks = fingerprint.ParseFile(items[i].filename, items[i].content)
			}
		}()
	}
	wg.Wait()

	// ---- Phase C: serial cache fill ----
	for _, item := range items {
		e.blockCache.Put(item.cacheKey, item.blocks)
		current[item.filename] = fingerprint.Checksums(item.blocks)
	}
	return current
}
