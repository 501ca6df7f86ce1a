package api

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bishopdynamics/netbootstudio/pkg/files"
	"github.com/bishopdynamics/netbootstudio/pkg/message"
)

// editableLists are the categories get_file and save_file may touch.
// Everything else is either binary (builds, isos) or structured (boot
// image folders) and managed through its own endpoints.
var editableLists = map[string]bool{
	files.ListStage1Files:       true,
	files.ListUbootScripts:      true,
	files.ListUnattendedConfigs: true,
	files.ListStage4:            true,
}

// safeChild resolves name under dir, refusing anything that escapes it.
func safeChild(dir, name string) (string, error) {
	cleaned := filepath.Clean(name)
	if cleaned == "." || cleaned == ".." || filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("invalid filename: %q", name)
	}
	return filepath.Join(dir, cleaned), nil
}

// listGetter serves the last inventory published for the named list.
func (d *Dispatcher) listGetter(list string) handlerFunc {
	return func(_ context.Context, payload json.RawMessage) message.Response {
		warnExtraKeys(payload)
		value, err := d.files.Files(list)
		if err != nil {
			return failure(err.Error())
		}
		return success(value)
	}
}

// deleteListedFile removes one file from the named list's directory,
// refusing builtins and names that resolve outside it.
func (d *Dispatcher) deleteListedFile(list string) handlerFunc {
	return func(_ context.Context, payload json.RawMessage) message.Response {
		var p struct {
			Filename string `json:"filename"`
		}
		if err := json.Unmarshal(payload, &p); err != nil || p.Filename == "" {
			return missingKeys("delete_"+list, payload)
		}
		if files.IsBuiltin(list, p.Filename) {
			return failure("cannot delete builtins")
		}
		path, err := safeChild(d.roots.Root(list), p.Filename)
		if err != nil {
			return failure(err.Error())
		}
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			return failure(fmt.Sprintf("file: %s does not exist!", p.Filename))
		}
		if err := os.Remove(path); err != nil {
			return failure(err.Error())
		}
		return success("Success")
	}
}

// deleteBuildDir removes a whole build folder by its id.
func (d *Dispatcher) deleteBuildDir(list string) handlerFunc {
	return func(_ context.Context, payload json.RawMessage) message.Response {
		var p struct {
			BuildID string `json:"build_id"`
		}
		if err := json.Unmarshal(payload, &p); err != nil || p.BuildID == "" {
			return missingKeys("delete_"+list, payload)
		}
		path, err := safeChild(d.roots.Root(list), p.BuildID)
		if err != nil {
			return failure(err.Error())
		}
		info, err := os.Stat(path)
		if err != nil || !info.IsDir() {
			return failure(fmt.Sprintf("build folder named %s does not exist!", p.BuildID))
		}
		if err := os.RemoveAll(path); err != nil {
			return failure(err.Error())
		}
		return success("Success")
	}
}

// deleteBootImage handles both layouts: a-la-carte <name>.ipxe files and
// <name>/ folders built by the image tasks.
func (d *Dispatcher) deleteBootImage(_ context.Context, payload json.RawMessage) message.Response {
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || p.Name == "" {
		return missingKeys("delete_boot_image", payload)
	}
	if files.IsBuiltin(files.ListBootImages, p.Name) {
		return failure("cannot delete builtins")
	}
	path, err := safeChild(d.roots.Root(files.ListBootImages), p.Name)
	if err != nil {
		return failure(err.Error())
	}
	if strings.Contains(p.Name, ".ipxe") {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			return failure(fmt.Sprintf("a-la-carte boot image: %s does not exist!", p.Name))
		}
		if err := os.Remove(path); err != nil {
			return failure(err.Error())
		}
		return success("Success")
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return failure(fmt.Sprintf("folder boot_image: %s does not exist!", p.Name))
	}
	if err := os.RemoveAll(path); err != nil {
		return failure(err.Error())
	}
	return success("Success")
}

func (d *Dispatcher) getFile(_ context.Context, payload json.RawMessage) message.Response {
	var p struct {
		Category string `json:"category"`
		Filename string `json:"filename"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || p.Category == "" || p.Filename == "" {
		return missingKeys("get_file", payload)
	}
	if !editableLists[p.Category] {
		return failure(fmt.Sprintf("unknown file category: %s", p.Category))
	}
	if files.IsBuiltin(p.Category, p.Filename) {
		return failure("cannot edit builtins")
	}
	path, err := safeChild(d.roots.Root(p.Category), p.Filename)
	if err != nil {
		return failure(err.Error())
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return failure(fmt.Sprintf("file: %s does not exist!", p.Filename))
	}
	return success(string(raw))
}

func (d *Dispatcher) saveFile(_ context.Context, payload json.RawMessage) message.Response {
	var p struct {
		Category string `json:"category"`
		Filename string `json:"filename"`
		Content  string `json:"content"`
	}
	// content may legitimately be empty; only category and filename are
	// required.
	if err := json.Unmarshal(payload, &p); err != nil || p.Category == "" || p.Filename == "" {
		return missingKeys("save_file", payload)
	}
	if !editableLists[p.Category] {
		return failure(fmt.Sprintf("unknown file category: %s", p.Category))
	}
	if files.IsBuiltin(p.Category, p.Filename) {
		return failure("cannot edit builtins")
	}
	path, err := safeChild(d.roots.Root(p.Category), p.Filename)
	if err != nil {
		return failure(err.Error())
	}
	if err := os.WriteFile(path, []byte(p.Content), 0o644); err != nil {
		return failure(err.Error())
	}
	return success("Success")
}
