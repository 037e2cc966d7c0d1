// Package gather turns a list of DRUIDs into the image/destination task list
// consumed by the recognize command, by scraping IIIF manifests.
package gather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"sync"
)

const DefaultPURLEndpoint = "https://purl.stanford.edu"

// ImageRef is one image URL plus the relative output filename derived from
// it.
type ImageRef struct {
	URL      string
	Filename string
}

type Gatherer struct {
	// PURLEndpoint defaults to the Stanford PURL service.
	PURLEndpoint string
	HTTPClient   *http.Client
}

func (g *Gatherer) endpoint() string {
	if g.PURLEndpoint != "" {
		return g.PURLEndpoint
	}
	return DefaultPURLEndpoint
}

func (g *Gatherer) client() *http.Client {
	if g.HTTPClient != nil {
		return g.HTTPClient
	}
	return http.DefaultClient
}

// iiifManifest is the slice of a IIIF presentation manifest this tool cares
// about.
type iiifManifest struct {
	Sequences []struct {
		Canvases []struct {
			Images []struct {
				Resource struct {
					ID string `json:"@id"`
				} `json:"resource"`
			} `json:"images"`
		} `json:"canvases"`
	} `json:"sequences"`
}

// ManifestFor fetches and decodes the IIIF manifest for one DRUID.
func (g *Gatherer) ManifestFor(ctx context.Context, druid string) (*iiifManifest, error) {
	url := fmt.Sprintf("%s/%s/iiif/manifest", g.endpoint(), druid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("connection error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("manifest request for %s returned %d: %s", druid, resp.StatusCode, body)
	}
	var m iiifManifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest for %s: %w", druid, err)
	}
	return &m, nil
}

// ImageData extracts the image URLs from a manifest and derives output
// filenames of the form <druid>/<name>.json.
//
// The numeric suffixes in the URLs are not always sequential, may or may not
// be preceded by an underscore, and at least one druid has a mangled druid in
// the suffix segment, so the name segment is matched loosely.
func ImageData(druid string, m *iiifManifest) ([]ImageRef, error) {
	if len(m.Sequences) != 1 {
		return nil, fmt.Errorf("%s: expected exactly one sequence, got %d", druid, len(m.Sequences))
	}

	var urls []string
	for _, canvas := range m.Sequences[0].Canvases {
		for _, image := range canvas.Images {
			urls = append(urls, image.Resource.ID)
		}
	}
	if len(urls) != len(m.Sequences[0].Canvases) {
		return nil, fmt.Errorf("%s: expected one image per canvas, got %d images for %d canvases",
			druid, len(urls), len(m.Sequences[0].Canvases))
	}

	pattern, err := regexp.Compile(fmt.Sprintf(`https://stacks\.stanford\.edu/image/iiif/%s/([^/]+)/full/full/0/default\.jpg`, regexp.QuoteMeta(druid)))
	if err != nil {
		return nil, err
	}

	refs := make([]ImageRef, 0, len(urls))
	for _, u := range urls {
		match := pattern.FindStringSubmatch(u)
		if match == nil {
			return nil, fmt.Errorf("%s: %q does not match expected image URL pattern", druid, u)
		}
		refs = append(refs, ImageRef{URL: u, Filename: fmt.Sprintf("%s/%s.json", druid, match[1])})
	}
	return refs, nil
}

// Run fetches the manifest for every druid concurrently and writes
// tab-separated <url> <filename> lines to w. Each druid's lines are written
// as one block; a druid whose manifest cannot be fetched or parsed is logged
// and returned as an error after all druids are attempted.
func (g *Gatherer) Run(ctx context.Context, druids []string, w io.Writer) error {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	for _, druid := range druids {
		druid := druid
		wg.Add(1)
		go func() {
			defer wg.Done()
			refs, err := g.gatherOne(ctx, druid)
			if err != nil {
				log.Printf("%v", err)
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}
			log.Printf("writing data for %s (%d images)", druid, len(refs))
			mu.Lock()
			defer mu.Unlock()
			for _, ref := range refs {
				if _, err := fmt.Fprintf(w, "%s\t%s\n", ref.URL, ref.Filename); err != nil {
					log.Printf("write for %s: %v", druid, err)
					failed++
					return
				}
			}
		}()
	}
	wg.Wait()
	if failed > 0 {
		return fmt.Errorf("%d of %d druids failed", failed, len(druids))
	}
	return nil
}

func (g *Gatherer) gatherOne(ctx context.Context, druid string) ([]ImageRef, error) {
	m, err := g.ManifestFor(ctx, druid)
	if err != nil {
		return nil, err
	}
	return ImageData(druid, m)
}
