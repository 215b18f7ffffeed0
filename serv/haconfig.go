package serv

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// supervisorClient talks to the Supervisor REST API for configuration
// checks and reloads. Without a token the client reports itself
// unavailable and callers degrade gracefully.
type supervisorClient struct {
	conf Supervisor
	rc   *resty.Client
	log  *zap.SugaredLogger
}

func newSupervisorClient(conf Supervisor, log *zap.SugaredLogger) *supervisorClient {
	rc := resty.New().
		SetBaseURL(conf.URL).
		SetTimeout(30 * time.Second)
	if conf.Token != "" {
		rc.SetAuthToken(conf.Token)
	}
	return &supervisorClient{conf: conf, rc: rc, log: log}
}

func (sc *supervisorClient) available() bool {
	return sc.conf.Token != ""
}

// CheckCoreConfig asks Home Assistant to validate its configuration.
func (sc *supervisorClient) CheckCoreConfig(ctx context.Context) error {
	var out struct {
		Result string `json:"result"`
		Errors string `json:"errors"`
	}
	resp, err := sc.rc.R().
		SetContext(ctx).
		SetResult(&out).
		Post("/core/api/config/core/check")
	if err != nil {
		return fmt.Errorf("validation request failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("validation request failed: status %d", resp.StatusCode())
	}
	if out.Result != "valid" {
		return fmt.Errorf("configuration invalid: %s", out.Errors)
	}
	return nil
}

// ReloadCoreConfig asks Home Assistant to reload its core config.
// Failure to reload is reported, not fatal.
func (sc *supervisorClient) ReloadCoreConfig(ctx context.Context) bool {
	resp, err := sc.rc.R().
		SetContext(ctx).
		Post("/core/api/services/homeassistant/reload_core_config")
	if err != nil {
		sc.log.Warnf("core config reload: %s", err)
		return false
	}
	return resp.StatusCode() == http.StatusOK
}

// resolveUnder joins rel onto root and rejects any result that escapes
// it. The empty string return signals a traversal attempt.
func resolveUnder(root, rel string) string {
	p := filepath.Join(root, filepath.Clean("/"+rel))
	if p != root && !strings.HasPrefix(p, root+string(filepath.Separator)) {
		return ""
	}
	return p
}

// haConfigInsertHandler writes a YAML snippet as a new file under the
// config root, optionally validating and reloading via the Supervisor.
// A snippet that fails validation is removed again.
// POST /ha_config/insert
func haConfigInsertHandler(s *Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			RelativeDir string  `json:"relative_dir"`
			Filename    string  `json:"filename"`
			YAML        *string `json:"yaml"`
			Validate    *bool   `json:"validate"`
			ReloadCore  *bool   `json:"reload_core"`
			Overwrite   bool    `json:"overwrite"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "JSON body required")
			return
		}
		if body.RelativeDir == "" || body.Filename == "" || body.YAML == nil {
			writeJSONError(w, http.StatusBadRequest, "relative_dir, filename and yaml are required")
			return
		}

		root := s.conf.Supervisor.ConfigRoot
		dir := resolveUnder(root, body.RelativeDir)
		if dir == "" {
			writeJSONError(w, http.StatusBadRequest, "relative_dir must be under "+root)
			return
		}
		target := resolveUnder(root, filepath.Join(body.RelativeDir, body.Filename))
		if target == "" {
			writeJSONError(w, http.StatusBadRequest, "filename path escapes "+root)
			return
		}

		if err := os.MkdirAll(dir, 0o755); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if _, err := os.Stat(target); err == nil && !body.Overwrite {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			writeJSON(w, map[string]interface{}{"error": "file already exists", "path": target})
			return
		}

		// Write temp then rename so readers never see a partial file.
		tmp := target + ".tmp"
		if err := os.WriteFile(tmp, []byte(*body.YAML), 0o644); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if err := os.Rename(tmp, target); err != nil {
			os.Remove(tmp) //nolint:errcheck
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}

		result := map[string]interface{}{
			"ok":        true,
			"path":      target,
			"validated": false,
			"reloaded":  false,
		}

		validate := body.Validate == nil || *body.Validate
		if validate && s.sup.available() {
			if err := s.sup.CheckCoreConfig(r.Context()); err != nil {
				os.Remove(target) //nolint:errcheck
				writeJSONError(w, http.StatusBadRequest, err.Error())
				return
			}
			result["validated"] = true
		}

		reload := body.ReloadCore == nil || *body.ReloadCore
		if reload && s.sup.available() {
			result["reloaded"] = s.sup.ReloadCoreConfig(r.Context())
		}

		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, result)
	})
}

// haConfigAppendHandler appends lines to configuration.yaml with a
// backup first; validation failure restores the backup.
// POST /ha_config/append_lines
func haConfigAppendHandler(s *Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Lines      []string `json:"lines"`
			Validate   *bool    `json:"validate"`
			ReloadCore *bool    `json:"reload_core"`
			Backup     *bool    `json:"backup"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "JSON body required")
			return
		}
		if len(body.Lines) == 0 {
			writeJSONError(w, http.StatusBadRequest, "lines must be a non-empty array of strings")
			return
		}

		root := s.conf.Supervisor.ConfigRoot
		configPath := filepath.Join(root, "configuration.yaml")
		if _, err := os.Stat(configPath); err != nil {
			writeJSONError(w, http.StatusNotFound, "configuration.yaml not found")
			return
		}

		var backupPath string
		if body.Backup == nil || *body.Backup {
			backupDir := filepath.Join(root, ".backup")
			if err := os.MkdirAll(backupDir, 0o755); err != nil {
				writeJSONError(w, http.StatusInternalServerError, "backup failed: "+err.Error())
				return
			}
			backupPath = filepath.Join(backupDir,
				"configuration.yaml."+time.Now().Format("20060102150405"))
			if err := copyFile(configPath, backupPath); err != nil {
				writeJSONError(w, http.StatusInternalServerError, "backup failed: "+err.Error())
				return
			}
		}

		f, err := os.OpenFile(configPath, os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "append failed: "+err.Error())
			return
		}
		_, err = f.WriteString("\n" + strings.Join(body.Lines, "\n") + "\n")
		f.Close() //nolint:errcheck
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "append failed: "+err.Error())
			return
		}

		result := map[string]interface{}{
			"ok":        true,
			"path":      configPath,
			"validated": false,
			"reloaded":  false,
		}
		if backupPath != "" {
			result["backup_path"] = backupPath
		}

		validate := body.Validate == nil || *body.Validate
		if validate && s.sup.available() {
			if err := s.sup.CheckCoreConfig(r.Context()); err != nil {
				if backupPath != "" {
					copyFile(backupPath, configPath) //nolint:errcheck
				}
				writeJSONError(w, http.StatusBadRequest, err.Error())
				return
			}
			result["validated"] = true
		}

		reload := body.ReloadCore == nil || *body.ReloadCore
		if reload && s.sup.available() {
			result["reloaded"] = s.sup.ReloadCoreConfig(r.Context())
		}

		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, result)
	})
}

func copyFile(src, dst string) error {
	b, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, b, 0o644)
}
