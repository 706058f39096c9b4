package deploy

import (
	"context"

	"github.com/narvanalabs/botrunner/internal/sandbox"
)

func (s *Service) sandbox(serverID, deploymentID string) (*sandbox.Sandbox, error) {
	e, err := s.entry(serverID, deploymentID)
	if err != nil {
		return nil, err
	}
	return sandbox.New(e.Dir, s.cfg.MaxFileSize)
}

// ListFiles lists a directory of the deployment.
func (s *Service) ListFiles(ctx context.Context, serverID, deploymentID, rel string) ([]sandbox.FileInfo, error) {
	sb, err := s.sandbox(serverID, deploymentID)
	if err != nil {
		return nil, err
	}
	return sb.List(rel)
}

// ReadFile returns the content of a deployment file.
func (s *Service) ReadFile(ctx context.Context, serverID, deploymentID, rel string) ([]byte, error) {
	sb, err := s.sandbox(serverID, deploymentID)
	if err != nil {
		return nil, err
	}
	return sb.ReadFile(rel)
}

// WriteFile replaces the content of a deployment file, creating it if needed.
func (s *Service) WriteFile(ctx context.Context, serverID, deploymentID, rel string, content []byte) error {
	sb, err := s.sandbox(serverID, deploymentID)
	if err != nil {
		return err
	}
	return sb.WriteFile(rel, content)
}

// CreateFile creates an empty file, or a directory when rel ends with a
// separator.
func (s *Service) CreateFile(ctx context.Context, serverID, deploymentID, rel string) error {
	sb, err := s.sandbox(serverID, deploymentID)
	if err != nil {
		return err
	}
	return sb.CreateFile(rel)
}

// DeleteFile removes a file or directory tree.
func (s *Service) DeleteFile(ctx context.Context, serverID, deploymentID, rel string) error {
	sb, err := s.sandbox(serverID, deploymentID)
	if err != nil {
		return err
	}
	return sb.Delete(rel)
}
