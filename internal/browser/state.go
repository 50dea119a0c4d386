package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/roelfdiedericks/gocdp/internal/cdp"
	"github.com/roelfdiedericks/gocdp/internal/config"
	"github.com/roelfdiedericks/gocdp/internal/logging"
)

// Storage state files carry cookies exported from one session so another
// can import them. The core is agnostic to everything in the file beyond
// the fields written here.

// ExportStorageState writes the tab's cookies to path as JSON.
func ExportStorageState(ctx context.Context, tab *cdp.Session, path string) error {
	res, err := tab.Send(ctx, "Network.getCookies", nil)
	if err != nil {
		return fmt.Errorf("browser: export cookies: %w", err)
	}

	cookies := gjson.GetBytes(res, "cookies").Raw
	if cookies == "" {
		cookies = "[]"
	}

	doc := []byte(`{}`)
	if doc, err = sjson.SetBytes(doc, "version", 1); err == nil {
		if doc, err = sjson.SetBytes(doc, "exportedAt", time.Now().UTC().Format(time.RFC3339)); err == nil {
			doc, err = sjson.SetRawBytes(doc, "cookies", []byte(cookies))
		}
	}
	if err != nil {
		return fmt.Errorf("browser: build storage state: %w", err)
	}

	if err := config.AtomicWrite(path, doc, 0600); err != nil {
		return fmt.Errorf("browser: write storage state: %w", err)
	}

	logging.L_info("browser: storage state exported", "path", path, "cookies", gjson.GetBytes([]byte(cookies), "#").Int())
	return nil
}

// ImportStorageState loads cookies from a storage state file into the
// browser via the tab's session.
func ImportStorageState(ctx context.Context, tab *cdp.Session, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("browser: read storage state: %w", err)
	}

	cookies := gjson.GetBytes(data, "cookies")
	if !cookies.Exists() || !cookies.IsArray() {
		return fmt.Errorf("browser: storage state has no cookie array")
	}

	params := []byte(`{}`)
	params, err = sjson.SetRawBytes(params, "cookies", []byte(cookies.Raw))
	if err != nil {
		return fmt.Errorf("browser: build setCookies params: %w", err)
	}

	if _, err := tab.Send(ctx, "Network.setCookies", json.RawMessage(params)); err != nil {
		return fmt.Errorf("browser: import cookies: %w", err)
	}

	logging.L_info("browser: storage state imported", "path", path, "cookies", cookies.Get("#").Int())
	return nil
}
