package filestorage

import (
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// AWSS3 stores library files in an S3 bucket.
type AWSS3 struct {
	region   string
	bucket   string
	uploader *s3manager.Uploader
	S3Client *s3.S3
}

// NewAWSS3 returns an AWSS3 backend for the given region and bucket.
// Credentials come from the default AWS credential chain.
func NewAWSS3(region string, bucket string) (*AWSS3, error) {
	s3Session, err := session.NewSession(&aws.Config{
		Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("Error creating AWS session: %s", err)
	}

	return &AWSS3{
		region:   region,
		bucket:   bucket,
		uploader: s3manager.NewUploader(s3Session),
		S3Client: s3.New(s3Session),
	}, nil
}

// StoreFile uploads srcpath to the S3 bucket and then deletes srcpath
func (b AWSS3) StoreFile(srcpath string, destpath string) error {
	f, err := os.Open(srcpath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = b.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(destpath),
		Body:   f,
	})
	if err != nil {
		return err
	}

	return os.Remove(srcpath)
}

// DeleteFile deletes destpath from the S3 bucket
func (b AWSS3) DeleteFile(destpath string) error {
	_, err := b.S3Client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(destpath),
	})
	return err
}

// FileExists returns true if the object exists, false otherwise
func (b AWSS3) FileExists(destpath string) bool {
	_, err := b.S3Client.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(destpath),
	})
	return err == nil
}

// Location returns the s3:// URL of destpath.
func (b AWSS3) Location(destpath string) string {
	return fmt.Sprintf("s3://%s/%s", b.bucket, destpath)
}
