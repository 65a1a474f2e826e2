package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"relay/internal/server/transfer"
)

// S3API is the subset of the S3 client used by S3Folder.
type S3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// throttleCodes are S3 error codes worth retrying after a backoff.
var throttleCodes = map[string]bool{
	"SlowDown":                  true,
	"Throttling":                true,
	"ThrottlingException":       true,
	"RequestLimitExceeded":      true,
	"TooManyRequestsException":  true,
	"ServiceUnavailable":        true,
	"RequestThrottledException": true,
}

// S3Folder treats s3://bucket/prefix references as folders. Only objects
// directly under the prefix are listed; the object key is the handle.
type S3Folder struct {
	client S3API
}

// NewS3Folder creates an S3 source.
func NewS3Folder(client S3API) *S3Folder {
	return &S3Folder{client: client}
}

func (f *S3Folder) ListFiles(ctx context.Context, folderRef string) ([]transfer.RemoteFile, error) {
	bucket, prefix, err := parseS3Ref(folderRef)
	if err != nil {
		return nil, err
	}

	paginator := s3.NewListObjectsV2Paginator(f.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var files []transfer.RemoteFile
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classifyS3Error("list objects", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == prefix || strings.HasSuffix(key, "/") {
				continue
			}
			files = append(files, transfer.RemoteFile{
				Handle: key,
				Name:   path.Base(key),
				Size:   aws.ToInt64(obj.Size),
			})
		}
	}
	return files, nil
}

func (f *S3Folder) Download(ctx context.Context, folderRef, handle, dest string, obs transfer.Observer) error {
	bucket, _, err := parseS3Ref(folderRef)
	if err != nil {
		return err
	}

	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(handle),
	})
	if err != nil {
		return classifyS3Error("get object", err)
	}
	defer out.Body.Close()

	file, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}

	_, err = io.Copy(io.MultiWriter(file, &progressWriter{obs: obs}), out.Body)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: download of %s interrupted: %v", transfer.ErrTransport, handle, err)
	}
	return nil
}

func parseS3Ref(folderRef string) (bucket, prefix string, err error) {
	u, err := url.Parse(folderRef)
	if err != nil || !strings.EqualFold(u.Scheme, "s3") || u.Host == "" {
		return "", "", fmt.Errorf("%w: %q is not an s3://bucket/prefix reference", ErrUnsupportedReference, folderRef)
	}

	prefix = strings.TrimPrefix(u.Path, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return u.Host, prefix, nil
}

func classifyS3Error(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && throttleCodes[apiErr.ErrorCode()] {
		return fmt.Errorf("%w: %s: %s", transfer.ErrQuotaExceeded, op, apiErr.ErrorCode())
	}
	return fmt.Errorf("%w: %s: %v", transfer.ErrTransport, op, err)
}
