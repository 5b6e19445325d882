// Package s3dev exposes a single S3 object as a block device. Reads are
// ranged GETs of one block; writes are held in memory and folded into the
// object with one PUT on Sync.
package s3dev

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/babyfs/babyfs/internal/circuit"
	"github.com/babyfs/babyfs/internal/device"
	"github.com/babyfs/babyfs/pkg/errors"
	"github.com/babyfs/babyfs/pkg/retry"
)

// Client is the subset of *s3.Client the device uses.
type Client interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Options configures a Device.
type Options struct {
	Bucket          string
	Key             string
	Region          string
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
	SectorSize      int
	ReadOnly        bool
	RequestTimeout  time.Duration

	// MaxAttempts bounds tries per request. Zero means 3.
	MaxAttempts int
	// BreakerFailures consecutive failed requests open the breaker, after
	// which requests fail at once for BreakerTimeout. Zero means 5.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Device implements device.BlockDevice on top of one S3 object.
type Device struct {
	client  Client
	opts    Options
	retryer *retry.Retryer
	breaker *circuit.CircuitBreaker

	mu         sync.RWMutex
	blockSize int
	sizeBytes int64
	closed    bool
	dirty     map[int64][]byte // by block index at blockSize
}

var _ device.BlockDevice = (*Device)(nil)

// New loads AWS configuration the usual way (environment, shared config,
// instance role) and opens the object described by opts.
func New(ctx context.Context, opts Options) (*Device, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeDeviceOpen, "failed to load AWS config").
			WithComponent("s3dev").WithCause(err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return NewWithClient(ctx, client, opts)
}

// NewWithClient opens the object with an existing client.
func NewWithClient(ctx context.Context, client Client, opts Options) (*Device, error) {
	if opts.Bucket == "" || opts.Key == "" {
		return nil, errors.NewError(errors.ErrCodeDeviceOpen, "bucket and key are required").
			WithComponent("s3dev")
	}
	if opts.SectorSize <= 0 {
		opts.SectorSize = device.DefaultSectorSize
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}

	rcfg := retry.DefaultConfig()
	if opts.MaxAttempts > 0 {
		rcfg.MaxAttempts = opts.MaxAttempts
	}
	rcfg.Retryable = retryable

	d := &Device{
		client:    client,
		opts:      opts,
		retryer:   retry.New(rcfg),
		blockSize: opts.SectorSize,
		dirty:     make(map[int64][]byte),
	}
	d.breaker = circuit.NewCircuitBreaker(d.Name(), circuit.Config{
		Timeout: opts.BreakerTimeout,
		ReadyToTrip: func(c circuit.Counts) bool {
			return c.ConsecutiveFailures >= opts.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !retryable(err)
		},
	})

	var head *s3.HeadObjectOutput
	err := d.do(ctx, func(ctx context.Context) error {
		var err error
		head, err = client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(opts.Bucket),
			Key:    aws.String(opts.Key),
		})
		return err
	})
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeDeviceOpen, "cannot stat image object").
			WithComponent("s3dev").WithContext("device", d.Name()).WithDetail("api_error", apiErrorCode(err)).WithCause(err)
	}
	d.sizeBytes = aws.ToInt64(head.ContentLength)
	return d, nil
}

func (d *Device) Name() string {
	return fmt.Sprintf("s3://%s/%s", d.opts.Bucket, d.opts.Key)
}

func (d *Device) SectorSize() int { return d.opts.SectorSize }

func (d *Device) BlockSize() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.blockSize
}

// SetBlockSize refuses to change size while unsynced writes are pending,
// since they are indexed by block.
func (d *Device) SetBlockSize(size int) error {
	if err := device.ValidateBlockSize(size, d.opts.SectorSize); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.dirty) > 0 && size != d.blockSize {
		return errors.NewError(errors.ErrCodeInvalidState, "cannot change block size with pending writes").
			WithComponent("s3dev")
	}
	d.blockSize = size
	return nil
}

func (d *Device) NumBlocks() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sizeBytes / int64(d.blockSize)
}

func (d *Device) check(op string, index int64, buf []byte, write bool) error {
	switch {
	case d.closed:
		return errors.NewError(errors.ErrCodeDeviceClosed, "device is closed").WithComponent("s3dev").WithOperation(op)
	case write && d.opts.ReadOnly:
		return errors.NewError(errors.ErrCodeDeviceReadOnly, "device is read-only").WithComponent("s3dev").WithOperation(op)
	case len(buf) != d.blockSize:
		return errors.Newf(errors.ErrCodeIOError, "buffer is %d bytes, block size is %d", len(buf), d.blockSize).
			WithComponent("s3dev").WithOperation(op)
	case index < 0 || (index+1)*int64(d.blockSize) > d.sizeBytes:
		return errors.Newf(errors.ErrCodeBlockOutOfRange, "block %d beyond end of object", index).
			WithComponent("s3dev").WithOperation(op)
	}
	return nil
}

func (d *Device) ReadBlock(ctx context.Context, index int64, buf []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if err := d.check("read_block", index, buf, false); err != nil {
		return err
	}
	if pending, ok := d.dirty[index]; ok {
		copy(buf, pending)
		return nil
	}

	off := index * int64(d.blockSize)
	rng := fmt.Sprintf("bytes=%d-%d", off, off+int64(d.blockSize)-1)
	err := d.do(ctx, func(ctx context.Context) error {
		out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(d.opts.Bucket),
			Key:    aws.String(d.opts.Key),
			Range:  aws.String(rng),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()
		_, err = io.ReadFull(out.Body, buf)
		return err
	})
	if err != nil {
		return d.ioError("read_block", index, err)
	}
	return nil
}

func (d *Device) WriteBlock(_ context.Context, index int64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check("write_block", index, buf, true); err != nil {
		return err
	}
	d.dirty[index] = append([]byte(nil), buf...)
	return nil
}

// Pending returns the number of blocks written since the last Sync.
func (d *Device) Pending() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.dirty)
}

// Sync downloads the object, applies pending blocks, and uploads it again.
func (d *Device) Sync(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.syncLocked(ctx)
}

func (d *Device) syncLocked(ctx context.Context) error {
	if d.closed || len(d.dirty) == 0 {
		return nil
	}

	var image []byte
	err := d.do(ctx, func(ctx context.Context) error {
		out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(d.opts.Bucket),
			Key:    aws.String(d.opts.Key),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()
		image, err = io.ReadAll(out.Body)
		return err
	})
	if err != nil {
		return d.ioError("sync", -1, err)
	}
	if int64(len(image)) < d.sizeBytes {
		image = append(image, make([]byte, d.sizeBytes-int64(len(image)))...)
	}

	indexes := make([]int64, 0, len(d.dirty))
	for idx := range d.dirty {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	for _, idx := range indexes {
		copy(image[idx*int64(d.blockSize):], d.dirty[idx])
	}

	err = d.do(ctx, func(ctx context.Context) error {
		_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(d.opts.Bucket),
			Key:           aws.String(d.opts.Key),
			Body:          bytes.NewReader(image),
			ContentLength: aws.Int64(int64(len(image))),
			ContentType:   aws.String("application/octet-stream"),
		})
		return err
	})
	if err != nil {
		return d.ioError("sync", -1, err)
	}

	d.dirty = make(map[int64][]byte)
	return nil
}

// Close flushes pending writes. It is idempotent.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	err := d.syncLocked(context.Background())
	d.closed = true
	return err
}

// do runs one request through the breaker, retrying transient failures.
// Each attempt gets its own RequestTimeout.
func (d *Device) do(ctx context.Context, fn func(ctx context.Context) error) error {
	return d.retryer.Do(ctx, func(ctx context.Context) error {
		return d.breaker.Execute(ctx, func(ctx context.Context) error {
			actx, cancel := context.WithTimeout(ctx, d.opts.RequestTimeout)
			defer cancel()
			return fn(actx)
		})
	})
}

// BreakerState reports whether requests currently reach the bucket.
func (d *Device) BreakerState() circuit.State {
	return d.breaker.GetState()
}

// retryable rejects caller cancellation, an open breaker, and answers that
// another attempt cannot change.
func retryable(err error) bool {
	switch {
	case stderrors.Is(err, context.Canceled),
		stderrors.Is(err, circuit.ErrOpenState),
		stderrors.Is(err, circuit.ErrTooManyRequests):
		return false
	}
	switch apiErrorCode(err) {
	case "NotFound", "NoSuchKey", "NoSuchBucket", "AccessDenied", "InvalidRange":
		return false
	}
	return true
}

func (d *Device) ioError(op string, index int64, cause error) error {
	return errors.NewError(errors.ErrCodeIOError, fmt.Sprintf("block %d", index)).
		WithComponent("s3dev").WithOperation(op).WithContext("device", d.Name()).
		WithDetail("api_error", apiErrorCode(cause)).WithCause(cause)
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
