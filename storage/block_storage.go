package storage

import (
	"bytes"
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/b0ase/custody/config"
)

// BlockStorage archives audit material to an S3 compatible bucket. It is a
// secondary sink: callers treat failures as best-effort and never let them
// block or roll back a withdrawal.
type BlockStorage struct {
	cfg      *config.Config
	session  *session.Session
	s3Client *s3.S3
	logger   *logrus.Logger
}

func NewBlockStorage(cfg *config.Config) (*BlockStorage, error) {
	sess, err := session.NewSession(&aws.Config{
		Region:           aws.String(cfg.BlockStorage.Region),
		Endpoint:         aws.String(cfg.BlockStorage.Host),
		Credentials:      credentials.NewStaticCredentials(cfg.BlockStorage.AccessKey, cfg.BlockStorage.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	return &BlockStorage{
		cfg:      cfg,
		session:  sess,
		s3Client: s3.New(sess),
		logger:   logrus.WithField("module", "block_storage").Logger,
	}, nil
}

func (bs *BlockStorage) UploadFileWithRetry(fileContent []byte, fileName string, retry int) error {
	var err error
	for i := 0; i < retry; i++ {
		err = bs.UploadFile(fileContent, fileName)
		if err == nil {
			return nil
		}
		bs.logger.Error(err)
	}
	return err
}

func (bs *BlockStorage) UploadFile(fileContent []byte, fileName string) error {
	_, err := bs.s3Client.PutObjectWithContext(context.TODO(), &s3.PutObjectInput{
		Bucket:        aws.String(bs.cfg.BlockStorage.Bucket),
		Key:           aws.String(fileName),
		Body:          aws.ReadSeekCloser(bytes.NewReader(fileContent)),
		ContentLength: aws.Int64(int64(len(fileContent))),
	})
	if err != nil {
		bs.logger.Error(err)
		return err
	}
	return nil
}
