package presence

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// assetLimit is a conservative bound on how many uploaded assets the
// remote application may hold before old ones must be deleted.
const assetLimit = 148

const assetNamePrefix = "album-art-"

// uploadConfirmation is how long to wait between polls of the remote
// asset list while waiting for an upload to become visible.
const uploadConfirmation = 8 * time.Second

// Asset is one uploaded album-art image, keyed by a content hash of the
// album name.
type Asset struct {
	ID   string
	Name string
	Hash uint64
}

// Key is the image key used in presence updates.
func (a Asset) Key() string {
	return assetNamePrefix + strconv.FormatUint(a.Hash, 10)
}

// assetCache mirrors the application's remote asset list and uploads
// missing album art on demand. The local cache is an LRU sized to the
// remote ceiling; evicting an entry deletes the remote asset too.
type assetCache struct {
	logger   zerolog.Logger
	endpoint string
	token    string
	http     *http.Client

	mu        sync.Mutex
	cache     *lru.Cache[uint64, Asset]
	uploading map[uint64]bool
}

func newAssetCache(appID, token string, logger zerolog.Logger) *assetCache {
	a := &assetCache{
		logger:    logger.With().Str("component", "discord-assets").Logger(),
		endpoint:  fmt.Sprintf("https://discord.com/api/v6/oauth2/applications/%s/assets", appID),
		token:     token,
		http:      &http.Client{Timeout: 15 * time.Second},
		uploading: map[uint64]bool{},
	}
	a.cache, _ = lru.NewWithEvict[uint64, Asset](assetLimit, a.evicted)
	return a
}

func albumHash(album string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(album))
	return h.Sum64()
}

// Lookup returns the uploaded asset for the album if one exists. When
// art is available but not yet uploaded, the upload starts in the
// background and onUploaded fires once the remote side confirms it;
// callers send a placeholder image in the meantime.
func (a *assetCache) Lookup(album, artURL string, onUploaded func(Asset)) (Asset, bool) {
	if album == "" {
		return Asset{}, false
	}
	hash := albumHash(album)

	a.mu.Lock()
	if asset, ok := a.cache.Get(hash); ok {
		a.mu.Unlock()
		return asset, true
	}
	if artURL == "" || a.uploading[hash] {
		a.mu.Unlock()
		return Asset{}, false
	}
	a.uploading[hash] = true
	a.mu.Unlock()

	go a.upload(hash, album, artURL, onUploaded)
	return Asset{}, false
}

// Refresh replaces the local cache with the remote asset list.
func (a *assetCache) Refresh(ctx context.Context) {
	assets, err := a.fetchRemote(ctx)
	if err != nil {
		a.logger.Debug().Err(err).Msg("asset list fetch failed")
		return
	}
	a.mu.Lock()
	for _, asset := range assets {
		a.cache.Add(asset.Hash, asset)
	}
	a.mu.Unlock()
}

func (a *assetCache) fetchRemote(ctx context.Context) ([]Asset, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint, nil)
	if err != nil {
		return nil, err
	}
	// listing needs no authorisation
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var list []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, err
	}

	var assets []Asset
	for _, item := range list {
		if !strings.HasPrefix(item.Name, assetNamePrefix) {
			continue
		}
		hash, err := strconv.ParseUint(strings.TrimPrefix(item.Name, assetNamePrefix), 10, 64)
		if err != nil {
			continue
		}
		assets = append(assets, Asset{ID: item.ID, Name: item.Name, Hash: hash})
	}
	return assets, nil
}

// upload fetches the art, pushes it to the application's asset store and
// polls the remote list until the upload is visible.
func (a *assetCache) upload(hash uint64, album, artURL string, onUploaded func(Asset)) {
	defer func() {
		a.mu.Lock()
		delete(a.uploading, hash)
		a.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	image, err := a.fetchArt(ctx, artURL)
	if err != nil {
		a.logger.Debug().Err(err).Str("album", album).Msg("art fetch failed")
		return
	}

	name := assetNamePrefix + strconv.FormatUint(hash, 10)
	body, _ := json.Marshal(map[string]any{
		"image": "data:image/png;base64," + base64.StdEncoding.EncodeToString(image),
		"name":  name,
		"type":  1,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", a.token)

	resp, err := a.http.Do(req)
	if err != nil {
		a.logger.Warn().Err(err).Msg("art upload failed")
		return
	}
	respBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		a.logger.Warn().Int("status", resp.StatusCode).Msg("art upload rejected")
		return
	}

	var uploaded struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(respBody, &uploaded); err != nil {
		return
	}
	asset := Asset{ID: uploaded.ID, Name: uploaded.Name, Hash: hash}

	a.mu.Lock()
	a.cache.Add(hash, asset)
	a.mu.Unlock()
	a.logger.Info().Str("album", album).Msg("uploaded album art")

	// Discord takes a while to make new assets servable; poll the list
	// until it shows up, then let the relay send a corrected update.
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(uploadConfirmation):
		}
		remote, err := a.fetchRemote(ctx)
		if err != nil {
			continue
		}
		for _, r := range remote {
			if r.Hash == hash {
				onUploaded(asset)
				return
			}
		}
	}
}

func (a *assetCache) fetchArt(ctx context.Context, artURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, artURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}

// evicted runs when the LRU pushes an entry out as the ceiling nears;
// the remote copy is deleted so the slot is actually freed.
func (a *assetCache) evicted(_ uint64, asset Asset) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, a.endpoint+"/"+asset.ID, nil)
		if err != nil {
			return
		}
		req.Header.Set("Authorization", a.token)
		resp, err := a.http.Do(req)
		if err != nil {
			a.logger.Debug().Err(err).Msg("asset delete failed")
			return
		}
		resp.Body.Close()
	}()
}
