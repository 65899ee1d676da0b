// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package admin

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/openfedcore/fedcore/pkg/job"
)

// MetaFile is the job folder's metadata file name.
const MetaFile = "meta.json"

// Meta is the submitter-provided part of a job definition, read from
// meta.json at the root of the job folder. Status fields, timestamps, and
// submitter identity are populated by the server and are never read from
// here.
type Meta struct {
	Name          string                         `json:"name" validate:"required"`
	DeployMap     map[string][]string            `json:"deploy_map" validate:"required"`
	MinClients    int                            `json:"min_clients" validate:"min=1"`
	RequiredSites []string                       `json:"required_sites,omitempty"`
	ResourceSpec  map[string]job.ResourceRequest `json:"resource_spec,omitempty"`
	ServerConfig  string                         `json:"server_config,omitempty"`
	ClientConfig  string                         `json:"client_config,omitempty"`
	Extra         map[string]any                 `json:"extra,omitempty"`
}

var validateMeta = validator.New()

// ParseMeta decodes and validates meta.json content.
func ParseMeta(data []byte) (*Meta, error) {
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("admin: decode %s: %w", MetaFile, err)
	}
	if err := validateMeta.Struct(&m); err != nil {
		return nil, fmt.Errorf("admin: invalid %s: %w", MetaFile, err)
	}
	return &m, nil
}

// ReadFolder reads a submitted job folder from disk: it parses meta.json
// and zips the whole folder into the job's app payload blob.
func ReadFolder(folder string) (*Meta, []byte, error) {
	metaBytes, err := os.ReadFile(filepath.Join(folder, MetaFile))
	if err != nil {
		return nil, nil, fmt.Errorf("admin: read %s: %w", MetaFile, err)
	}
	meta, err := ParseMeta(metaBytes)
	if err != nil {
		return nil, nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	root := filepath.Clean(folder)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		zw.Close()
		return nil, nil, fmt.Errorf("admin: zip job folder %s: %w", folder, err)
	}
	if err := zw.Close(); err != nil {
		return nil, nil, fmt.Errorf("admin: zip job folder %s: %w", folder, err)
	}
	return meta, buf.Bytes(), nil
}

// MetaFromArchive extracts and parses meta.json out of an already-zipped
// job payload, for submissions arriving over the HTTP API.
func MetaFromArchive(blob []byte) (*Meta, error) {
	zr, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return nil, fmt.Errorf("admin: open job archive: %w", err)
	}
	for _, f := range zr.File {
		if f.Name != MetaFile && !strings.HasSuffix(f.Name, "/"+MetaFile) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("admin: open %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("admin: read %s: %w", f.Name, err)
		}
		return ParseMeta(data)
	}
	return nil, fmt.Errorf("admin: %s not found in job archive", MetaFile)
}
