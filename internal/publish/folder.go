package publish

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// folderTransport writes each payload as a JSON file, optionally splitting
// embedded images out into sibling JPEG files. Files appear atomically so
// a consumer watching the folder never reads a partial document.
type folderTransport struct {
	dir          string
	nameTemplate string
	vars         Vars
	writeImages  bool
}

func newFolderTransport(settings Settings, vars Vars) (*folderTransport, error) {
	dir := vars.Substitute(settings.String("path", ""))
	if dir == "" {
		return nil, errors.New("folder destination requires a path")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output folder: %w", err)
	}
	return &folderTransport{
		dir:          dir,
		nameTemplate: settings.String("filename", "result_{pipeline_id}_{timestamp}_{unix_time}"),
		vars:         vars,
		writeImages:  settings.Bool("write_images", false),
	}, nil
}

func (f *folderTransport) Type() string { return "folder" }

func (f *folderTransport) Send(payload Payload) error {
	base := f.vars.Substitute(f.nameTemplate)

	if f.writeImages {
		for key, suffix := range map[string]string{
			"image_data":        "",
			"result_image_data": "_annotated",
		} {
			encoded, ok := payload[key].(string)
			if !ok || encoded == "" {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
			imgPath := filepath.Join(f.dir, base+suffix+".jpg")
			if err := renameio.WriteFile(imgPath, data, 0o644); err != nil {
				return fmt.Errorf("write image: %w", err)
			}
			// The image went to its own file; drop the base64 copy.
			payload = payload.Clone()
			delete(payload, key)
		}
	}

	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	path := filepath.Join(f.dir, base+".json")
	if err := renameio.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

func (f *folderTransport) Close() error { return nil }
