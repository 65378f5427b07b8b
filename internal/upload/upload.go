// Package upload delivers a finished job's files to the requester.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/magnet_relay/internal/logctx"
	"github.com/italolelis/magnet_relay/internal/messaging"
	"github.com/italolelis/magnet_relay/internal/progress"
	"github.com/italolelis/magnet_relay/internal/telemetry"
)

// Outcome is the per-file result of an upload.
type Outcome string

const (
	Uploaded Outcome = "uploaded"
	TooLarge Outcome = "too_large"
	Failed   Outcome = "failed"
)

var ErrFileTooLarge = errors.New("file too large")

// FileResult records what happened to one file.
type FileResult struct {
	Path    string
	Name    string
	Size    int64
	Outcome Outcome
	Err     error
}

// Report summarizes an upload. NothingUploaded is set when no file qualified
// for upload at all.
type Report struct {
	Files           []FileResult
	NothingUploaded bool
	// Err is set when the storage path could not be enumerated.
	Err error
}

// Count returns how many files ended with outcome o.
func (r Report) Count(o Outcome) int {
	n := 0

	for _, f := range r.Files {
		if f.Outcome == o {
			n++
		}
	}

	return n
}

// Pipeline walks a storage path and streams every file that fits through the gateway.
type Pipeline struct {
	gateway       messaging.Gateway
	telemetry     *telemetry.Telemetry
	maxFileSize   int64
	uploadTimeout time.Duration
}

func NewPipeline(g messaging.Gateway, tel *telemetry.Telemetry, maxFileSize int64, uploadTimeout time.Duration) *Pipeline {
	return &Pipeline{
		gateway:       g,
		telemetry:     tel,
		maxFileSize:   maxFileSize,
		uploadTimeout: uploadTimeout,
	}
}

type candidate struct {
	path string
	name string
	size int64
}

// Upload enumerates storagePath recursively and delivers every file to the
// chat of target. A failing file never stops the others. The caller owns
// storagePath and purges it afterwards.
func (p *Pipeline) Upload(ctx context.Context, storagePath string, target messaging.Target) Report {
	logger := logctx.LoggerFromContext(ctx).With("storage_path", storagePath)

	var report Report

	files, err := enumerate(storagePath)
	if err != nil {
		logger.ErrorContext(ctx, "failed to enumerate downloaded files", "err", err)

		p.reply(ctx, target.Chat, "❌ Error during file upload process.")

		report.Err = err
		report.NothingUploaded = true

		return report
	}

	var qualifying []candidate

	for _, f := range files {
		if f.size > p.maxFileSize {
			logger.WarnContext(ctx, "skipping oversized file", "file", f.name, "size", humanize.Bytes(uint64(f.size)))

			p.reply(ctx, target.Chat, fmt.Sprintf("❌ File too large: %s (%s)\nMaximum supported size: %s",
				f.name, humanize.Bytes(uint64(f.size)), humanize.Bytes(uint64(p.maxFileSize))))

			report.Files = append(report.Files, FileResult{
				Path: f.path, Name: f.name, Size: f.size, Outcome: TooLarge, Err: ErrFileTooLarge,
			})
			p.telemetry.RecordUpload(ctx, string(TooLarge), f.size)

			continue
		}

		qualifying = append(qualifying, f)
	}

	if len(qualifying) == 0 {
		p.reply(ctx, target.Chat, "❌ No files found or all files are too large.")

		report.NothingUploaded = true

		return report
	}

	for _, f := range qualifying {
		result := p.uploadFile(ctx, target.Chat, f)
		report.Files = append(report.Files, result)
		p.telemetry.RecordUpload(ctx, string(result.Outcome), f.size)
	}

	logger.InfoContext(ctx, "upload finished",
		"uploaded", report.Count(Uploaded),
		"failed", report.Count(Failed),
		"too_large", report.Count(TooLarge))

	return report
}

func (p *Pipeline) uploadFile(ctx context.Context, chat messaging.ChatID, f candidate) FileResult {
	logger := logctx.LoggerFromContext(ctx).With("file", f.name)
	size := humanize.Bytes(uint64(f.size))

	notice, noticeErr := p.gateway.Notify(ctx, chat, fmt.Sprintf("⬆️ Uploading: %s (%s)", progress.Escape(f.name), size))
	if noticeErr != nil {
		logger.WarnContext(ctx, "failed to post upload notice", "err", noticeErr)
	}

	uploadCtx, cancel := context.WithTimeout(ctx, p.uploadTimeout)
	defer cancel()

	err := p.gateway.SendFile(uploadCtx, chat, f.path, f.name, fmt.Sprintf("📁 %s\n💾 Size: %s", f.name, size))
	if err != nil {
		logger.ErrorContext(ctx, "failed to upload file", "err", err)

		failure := fmt.Sprintf("❌ Failed to upload: %s", progress.Escape(f.name))

		if noticeErr == nil {
			if err := p.gateway.UpdateNotification(ctx, notice, failure); err != nil {
				logger.WarnContext(ctx, "failed to update upload notice", "err", err)
			}
		} else {
			p.reply(ctx, chat, fmt.Sprintf("❌ Failed to upload: %s", f.name))
		}

		return FileResult{Path: f.path, Name: f.name, Size: f.size, Outcome: Failed, Err: err}
	}

	if noticeErr == nil {
		if err := p.gateway.DeleteNotification(ctx, notice); err != nil {
			logger.WarnContext(ctx, "failed to delete upload notice", "err", err)
		}
	}

	logger.InfoContext(ctx, "file uploaded", "size", size)

	return FileResult{Path: f.path, Name: f.name, Size: f.size, Outcome: Uploaded}
}

func (p *Pipeline) reply(ctx context.Context, chat messaging.ChatID, text string) {
	if err := p.gateway.Reply(ctx, chat, text); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to send message", "err", err)
	}
}

func enumerate(root string) ([]candidate, error) {
	var files []candidate

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		files = append(files, candidate{path: path, name: d.Name(), size: info.Size()})

		return nil
	})

	return files, err
}
