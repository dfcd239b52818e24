package scheduler

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"shortform/internal/services"
)

// BatchItem is one entry of a batch submission file.
type BatchItem struct {
	Subject       string `yaml:"subject"`
	AffiliateLink string `yaml:"affiliate_link"`
	Style         string `yaml:"style"`
	AutoPublish   *bool  `yaml:"auto_publish"`
}

type batchFile struct {
	Items []BatchItem `yaml:"items"`
}

// LoadBatchFile reads a YAML batch file of the form:
//
//	items:
//	  - subject: "vegetable chopper"
//	    affiliate_link: "https://example.com/chopper"
//	    style: review
func LoadBatchFile(path string) ([]BatchItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	var parsed batchFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, services.Wrap(services.ErrValidation, "batch", "parse batch file", "invalid YAML", err)
	}
	if len(parsed.Items) == 0 {
		return nil, services.Wrap(services.ErrValidation, "batch", "parse batch file", "no items", nil)
	}
	for i, item := range parsed.Items {
		if strings.TrimSpace(item.Subject) == "" {
			return nil, services.Wrap(services.ErrValidation, "batch", "parse batch file",
				fmt.Sprintf("item %d has no subject", i+1), nil)
		}
		link := strings.TrimSpace(item.AffiliateLink)
		if link == "" {
			return nil, services.Wrap(services.ErrValidation, "batch", "parse batch file",
				fmt.Sprintf("item %d (%s) has no affiliate_link", i+1, item.Subject), nil)
		}
		if _, err := url.ParseRequestURI(link); err != nil {
			return nil, services.Wrap(services.ErrValidation, "batch", "parse batch file",
				fmt.Sprintf("item %d (%s) has an invalid affiliate_link %q", i+1, item.Subject, item.AffiliateLink), err)
		}
		parsed.Items[i].AffiliateLink = link
	}
	return parsed.Items, nil
}

// PlanBatch computes the scheduled time for each of n batch entries:
// anchor + i*interval. A zero anchor starts the batch now. The queue's
// claim gate guarantees no job ever starts before its slot, so the planner
// only has to lay the slots out.
func PlanBatch(anchor time.Time, interval time.Duration, n int, now time.Time) []time.Time {
	if anchor.IsZero() {
		anchor = now
	}
	if interval < 0 {
		interval = 0
	}
	slots := make([]time.Time, n)
	for i := 0; i < n; i++ {
		slots[i] = anchor.Add(time.Duration(i) * interval).UTC()
	}
	return slots
}
