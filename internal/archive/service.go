package archive

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// Objects live under this prefix so the bucket can be shared with other data.
const artifactPrefix = "exports/"

// Artifact describes one stored export artifact.
type Artifact struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// Service stores bulk export artifacts in object storage and rotates old ones
// out. It implements the runner's artifact sink.
type Service struct {
	client        *Client
	retentionDays int
	log           zerolog.Logger
}

// NewService creates the artifact archive service.
func NewService(client *Client, retentionDays int, log zerolog.Logger) *Service {
	return &Service{
		client:        client,
		retentionDays: retentionDays,
		log:           log.With().Str("component", "archive").Logger(),
	}
}

// StoreArtifact uploads a finished export file under the artifact prefix.
func (s *Service) StoreArtifact(ctx context.Context, name, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open artifact %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat artifact %s: %w", path, err)
	}

	key := artifactPrefix + name
	if err := s.client.Upload(ctx, key, file); err != nil {
		return err
	}

	s.log.Info().
		Str("key", key).
		Int64("size_kb", info.Size()/1024).
		Msg("Export artifact archived")
	return nil
}

// ListArtifacts returns all stored artifacts, newest first.
func (s *Service) ListArtifacts(ctx context.Context) ([]Artifact, error) {
	objects, err := s.client.List(ctx, artifactPrefix)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	artifacts := make([]Artifact, 0, len(objects))
	for _, obj := range objects {
		if obj.Key == nil || obj.LastModified == nil {
			continue
		}

		var size int64
		if obj.Size != nil {
			size = *obj.Size
		}
		artifacts = append(artifacts, Artifact{
			Key:       *obj.Key,
			Timestamp: *obj.LastModified,
			SizeBytes: size,
			AgeHours:  int64(now.Sub(*obj.LastModified).Hours()),
		})
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].Timestamp.After(artifacts[j].Timestamp)
	})
	return artifacts, nil
}

// Rotate deletes artifacts older than the retention period.
// Keeps a minimum of 3 artifacts regardless of age; retention 0 keeps
// everything beyond that minimum.
func (s *Service) Rotate(ctx context.Context) (int, error) {
	artifacts, err := s.ListArtifacts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list artifacts: %w", err)
	}

	const minToKeep = 3
	if len(artifacts) <= minToKeep {
		s.log.Info().Int("count", len(artifacts)).Msg("Too few artifacts to rotate")
		return 0, nil
	}

	var cutoff time.Time
	if s.retentionDays > 0 {
		cutoff = time.Now().AddDate(0, 0, -s.retentionDays)
	}

	deleted := 0
	for i, artifact := range artifacts {
		if i < minToKeep {
			continue
		}
		if s.retentionDays == 0 {
			continue
		}
		if !artifact.Timestamp.Before(cutoff) {
			continue
		}

		if err := s.client.Delete(ctx, artifact.Key); err != nil {
			s.log.Error().Err(err).Str("key", artifact.Key).Msg("Failed to delete old artifact")
			continue
		}

		s.log.Info().
			Str("key", artifact.Key).
			Time("timestamp", artifact.Timestamp).
			Msg("Deleted old artifact")
		deleted++
	}

	s.log.Info().
		Int("deleted", deleted).
		Int("remaining", len(artifacts)-deleted).
		Msg("Artifact rotation completed")
	return deleted, nil
}
