package image_list

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lazyimage/internal/codec"
)

var ErrNotFound = errors.New("image not found")

type ImageInfo struct {
	ID               string `json:"id"`
	OriginalFilename string `json:"original_filename"`
	CurrentFilename  string `json:"current_filename"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	Bytes            int64  `json:"bytes"`
	Format           string `json:"format"`
	Frames           int    `json:"frames"`
	LoopCount        int    `json:"loop_count"`
}

func (i ImageInfo) Animated() bool {
	return i.Frames > 1 && i.LoopCount != codec.LoopNone
}

// Extensions lists the file types the scanner picks up.
var Extensions = map[string]bool{
	".tif":  true,
	".tiff": true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".gif":  true,
	".bmp":  true,
	".zfr":  true,
}

type Scanner struct {
	dataDir string
	codecs  *codec.Registry
	logger  *zap.Logger

	mu     sync.RWMutex
	images []ImageInfo
}

func New(dataDir string, codecs *codec.Registry, logger *zap.Logger) *Scanner {
	return &Scanner{
		dataDir: dataDir,
		codecs:  codecs,
		logger:  logger,
		images:  []ImageInfo{},
	}
}

func (s *Scanner) Scan() error {
	var images []ImageInfo

	if err := s.cleanupOrphanedJSON(); err != nil {
		return err
	}

	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := s.getFilePath(entry.Name())
		info, err := entry.Info()
		if err != nil {
			s.logger.Warn("Error getting file info", zap.String("path", path), zap.Error(err))
			continue
		}

		ext := strings.ToLower(filepath.Ext(path))
		if !Extensions[ext] {
			continue
		}

		basename := strings.TrimSuffix(filepath.Base(path), ext)
		jsonPath := s.getFilePath(basename + ".json")

		var imageInfo *ImageInfo
		var finalPath string

		// If there is no metadata, we need to create it and rename the file
		if _, err := os.Stat(jsonPath); err != nil {
			newUUID := uuid.New().String()
			finalPath = s.getFilePath(newUUID + ext)
			if err := os.Rename(path, finalPath); err != nil {
				s.logger.Warn("Failed to rename file", zap.String("old_path", path), zap.String("new_path", finalPath), zap.Error(err))
				continue
			}
			s.logger.Info("Migrated file to UUID", zap.String("old_path", path), zap.String("new_path", finalPath))

			imageInfo, err = s.scanImage(finalPath, info)
			if err != nil {
				s.logger.Warn("Failed to scan image", zap.String("path", finalPath), zap.Error(err))
				continue
			}

			imageInfo.ID = newUUID
			imageInfo.OriginalFilename = filepath.Base(path)
			imageInfo.CurrentFilename = filepath.Base(finalPath)

			jsonPath = s.getFilePath(newUUID + ".json")
			if err := s.saveMetadata(jsonPath, imageInfo); err != nil {
				s.logger.Warn("Failed to save metadata", zap.String("json_path", jsonPath), zap.Error(err))
			} else {
				s.logger.Info("Created metadata file", zap.String("json_path", jsonPath))
			}
		} else {
			// Metadata exists, load it
			imageInfo, err = s.loadMetadata(jsonPath)
			if err != nil {
				s.logger.Warn("Failed to load metadata, skipping", zap.String("json_path", jsonPath), zap.Error(err))
				continue
			}
		}
		images = append(images, *imageInfo)
	}

	s.mu.Lock()
	s.images = images
	s.mu.Unlock()
	return nil
}

func (s *Scanner) cleanupOrphanedJSON() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := s.getFilePath(entry.Name())
		if strings.ToLower(filepath.Ext(path)) != ".json" {
			continue
		}

		// Get ID from filename (basename without .json)
		basename := strings.TrimSuffix(filepath.Base(path), ".json")

		// Try to load metadata
		meta, err := s.loadMetadata(path)
		if err != nil {
			if err := os.Remove(path); err != nil {
				s.logger.Warn("Failed to delete invalid JSON", zap.String("path", path), zap.Error(err))
			} else {
				s.logger.Info("Deleted invalid JSON file", zap.String("path", path))
			}
			continue
		}

		// Validate that ID in JSON matches filename
		if meta.ID != basename {
			s.logger.Warn("UUID mismatch in JSON",
				zap.String("json_path", path),
				zap.String("filename_uuid", basename),
				zap.String("json_uuid", meta.ID))
			// Delete invalid JSON
			if err := os.Remove(path); err != nil {
				s.logger.Warn("Failed to delete invalid JSON", zap.String("path", path), zap.Error(err))
			} else {
				s.logger.Info("Deleted JSON with UUID mismatch", zap.String("path", path))
			}
			continue
		}

		imagePath := s.getFilePath(meta.CurrentFilename)
		if _, err := os.Stat(imagePath); err != nil {
			if err := os.Remove(path); err != nil {
				s.logger.Warn("Failed to delete orphaned JSON", zap.String("path", path), zap.Error(err))
			} else {
				s.logger.Info("Deleted orphaned JSON file", zap.String("path", path))
			}
		}
	}

	return nil
}

func (s *Scanner) scanImage(path string, info os.FileInfo) (*ImageInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}

	dec, err := s.codecs.Lookup(data, true)
	if err != nil {
		return nil, fmt.Errorf("failed to identify image: %w", err)
	}
	width, height, err := dec.Size(data)
	if err != nil {
		return nil, fmt.Errorf("failed to read image size: %w", err)
	}

	return &ImageInfo{
		ID:        uuid.New().String(),
		Width:     width,
		Height:    height,
		Bytes:     info.Size(),
		Format:    dec.Name(),
		Frames:    dec.FrameCount(data),
		LoopCount: dec.RepetitionCount(data),
	}, nil
}

func (s *Scanner) GetImages() []ImageInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ImageInfo, len(s.images))
	copy(out, s.images)
	return out
}

func (s *Scanner) GetImageByID(id string) *ImageInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, img := range s.images {
		if img.ID == id {
			return &img
		}
	}
	return nil
}

func (s *Scanner) GetImagePathByID(id string) string {
	imageInfo := s.GetImageByID(id)
	if imageInfo == nil {
		return ""
	}
	return s.getFilePath(imageInfo.CurrentFilename)
}

// Remove deletes an image and its metadata.
func (s *Scanner) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, img := range s.images {
		if img.ID != id {
			continue
		}
		if err := os.Remove(s.getFilePath(img.CurrentFilename)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete image: %w", err)
		}
		if err := os.Remove(s.getFilePath(id + ".json")); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to delete metadata", zap.String("id", id), zap.Error(err))
		}
		s.images = append(s.images[:i], s.images[i+1:]...)
		s.logger.Info("Removed image", zap.String("id", id))
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// DataDir is where images live. Temp files created here can be renamed into
// place.
func (s *Scanner) DataDir() string {
	return s.dataDir
}

func (s *Scanner) getFilePath(filename string) string {
	return filepath.Join(s.dataDir, filename)
}

func (s *Scanner) loadMetadata(path string) (*ImageInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var meta ImageInfo
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}

	return &meta, nil
}

func (s *Scanner) saveMetadata(path string, meta *ImageInfo) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	return nil
}

// ProcessUploadedFile processes an uploaded file: generates UUID, saves as UUID.ext, creates metadata
func (s *Scanner) ProcessUploadedFile(tempPath string, originalFilename string) (string, error) {
	return s.ProcessUploadedFileAs(uuid.New().String(), tempPath, originalFilename)
}

// ProcessUploadedFileAs is ProcessUploadedFile with a caller-chosen id, used
// for images that were already served while they streamed in.
func (s *Scanner) ProcessUploadedFileAs(id, tempPath, originalFilename string) (string, error) {
	ext := strings.ToLower(filepath.Ext(originalFilename))
	if !Extensions[ext] {
		return "", fmt.Errorf("unsupported image format: %s", ext)
	}

	finalPath := s.getFilePath(id + ext)

	if err := os.Rename(tempPath, finalPath); err != nil {
		return "", fmt.Errorf("failed to move uploaded file: %w", err)
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return "", fmt.Errorf("failed to stat file: %w", err)
	}

	imageInfo, err := s.scanImage(finalPath, info)
	if err != nil {
		os.Remove(finalPath)
		return "", fmt.Errorf("failed to scan image: %w", err)
	}

	imageInfo.ID = id
	imageInfo.OriginalFilename = originalFilename
	imageInfo.CurrentFilename = filepath.Base(finalPath)

	jsonPath := s.getFilePath(id + ".json")
	if err := s.saveMetadata(jsonPath, imageInfo); err != nil {
		return "", fmt.Errorf("failed to save metadata: %w", err)
	}

	s.mu.Lock()
	s.images = append(s.images, *imageInfo)
	s.mu.Unlock()

	s.logger.Info("Processed uploaded file",
		zap.String("uuid", id),
		zap.String("original_filename", originalFilename),
		zap.String("format", imageInfo.Format),
		zap.Int("frames", imageInfo.Frames),
		zap.String("final_path", finalPath))

	return id, nil
}
