package experiment

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// LoadTasks reads a JSONL dataset. Blank lines are skipped; limit <= 0 reads everything.
func LoadTasks(path string, limit int) ([]map[string]any, error) {
	// #nosec G304 -- dataset path comes from the resolved experiment.
	file, err := os.Open(path)
	if err != nil {
		return nil, configError("dataset_unreadable", fmt.Errorf("open dataset: %w", err))
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 32*1024*1024)
	var tasks []map[string]any
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		decoder := json.NewDecoder(bytes.NewReader(raw))
		decoder.UseNumber()
		var task map[string]any
		if err := decoder.Decode(&task); err != nil {
			return nil, configError("dataset_invalid", fmt.Errorf("dataset line %d: %w", line, err))
		}
		if task == nil {
			return nil, configError("dataset_invalid", fmt.Errorf("dataset line %d: task must be an object", line))
		}
		tasks = append(tasks, task)
		if limit > 0 && len(tasks) >= limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	return tasks, nil
}
