// Package publish uploads the composed video to YouTube using an OAuth
// refresh token.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"shortform/internal/config"
	"shortform/internal/provider"
	"shortform/internal/queue"
	"shortform/internal/services"
)

const (
	providerName = "youtube"
	stageName    = "publish"
)

// Uploader runs the publish stage.
type Uploader struct {
	cfg config.Publish
	// upload is swapped in tests to avoid real API calls. It returns the
	// uploaded video ID.
	upload func(ctx context.Context, video *youtube.Video, media io.Reader) (string, error)
}

// NewUploader builds the publish adapter.
func NewUploader(cfg config.Publish) *Uploader {
	u := &Uploader{cfg: cfg}
	u.upload = u.uploadToYouTube
	return u
}

// WithUploadFunc overrides the upload call (useful for tests).
func (u *Uploader) WithUploadFunc(upload func(ctx context.Context, video *youtube.Video, media io.Reader) (string, error)) *Uploader {
	if upload != nil {
		u.upload = upload
	}
	return u
}

func (u *Uploader) Name() string    { return providerName }
func (u *Uploader) RateKey() string { return providerName }

// Invoke uploads the composed video with metadata drawn from the processed
// script and returns the video ID artifact.
func (u *Uploader) Invoke(ctx context.Context, req provider.Request) (queue.StageResult, error) {
	scriptArtifact, err := req.Artifact("script_processing")
	if err != nil {
		return queue.StageResult{}, err
	}
	script, err := provider.LoadScript(scriptArtifact.Ref)
	if err != nil {
		return queue.StageResult{}, services.Wrap(services.ErrValidation, stageName, "publish", "load processed script", err)
	}
	videoArtifact, err := req.Artifact("video_composition")
	if err != nil {
		return queue.StageResult{}, err
	}
	media, err := os.Open(videoArtifact.Ref)
	if err != nil {
		return queue.StageResult{}, services.Wrap(services.ErrValidation, stageName, "publish", "open composed video", err)
	}
	defer media.Close()

	if u.cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(u.cfg.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	videoID, err := u.upload(ctx, u.videoMetadata(script), media)
	if err != nil {
		return queue.StageResult{}, classifyUploadError(err)
	}

	detail, _ := json.Marshal(map[string]any{
		"video_id": videoID,
		"privacy":  u.privacyStatus(),
	})
	return queue.StageResult{
		Kind:       "published_video",
		Ref:        "https://youtube.com/watch?v=" + videoID,
		DetailJSON: string(detail),
	}, nil
}

func (u *Uploader) videoMetadata(script provider.Script) *youtube.Video {
	return &youtube.Video{
		Snippet: &youtube.VideoSnippet{
			Title:       script.Title,
			Description: script.Description,
			Tags:        script.Hashtags,
			CategoryId:  u.categoryID(),
		},
		Status: &youtube.VideoStatus{
			PrivacyStatus:           u.privacyStatus(),
			SelfDeclaredMadeForKids: u.cfg.MadeForKids,
			ForceSendFields:         []string{"SelfDeclaredMadeForKids"},
		},
	}
}

func (u *Uploader) uploadToYouTube(ctx context.Context, video *youtube.Video, media io.Reader) (string, error) {
	oauthConfig := &oauth2.Config{
		ClientID:     u.cfg.ClientID,
		ClientSecret: u.cfg.ClientSecret,
		Endpoint:     googleoauth.Endpoint,
		Scopes:       []string{youtube.YoutubeUploadScope},
	}
	tokenSource := oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: u.cfg.RefreshToken})
	service, err := youtube.NewService(ctx, option.WithTokenSource(tokenSource))
	if err != nil {
		return "", fmt.Errorf("build youtube service: %w", err)
	}
	call := service.Videos.Insert([]string{"snippet", "status"}, video)
	uploaded, err := call.Context(ctx).Media(media).Do()
	if err != nil {
		return "", err
	}
	return uploaded.Id, nil
}

func (u *Uploader) categoryID() string {
	if id := strings.TrimSpace(u.cfg.CategoryID); id != "" {
		return id
	}
	// 22 is People & Blogs.
	return "22"
}

func (u *Uploader) privacyStatus() string {
	if status := strings.TrimSpace(u.cfg.PrivacyStatus); status != "" {
		return status
	}
	return "private"
}

func classifyUploadError(err error) error {
	if failure, ok := services.AsFailure(err); ok {
		return failure
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		kind := services.ClassifyHTTPStatus(apiErr.Code)
		if isQuotaError(apiErr) {
			kind = services.KindRateLimited
		}
		failure := services.NewFailure(kind, providerName, "upload",
			fmt.Sprintf("http %d: %s", apiErr.Code, apiErr.Message), err)
		// YouTube charges upload quota for rejected inserts too.
		failure.QuotaConsumed = true
		return failure
	}
	return services.NewFailure(services.ClassifyError(err), providerName, "upload", "upload error", err)
}

func isQuotaError(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		switch item.Reason {
		case "quotaExceeded", "dailyLimitExceeded", "rateLimitExceeded", "uploadLimitExceeded":
			return true
		}
	}
	return false
}
