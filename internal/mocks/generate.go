// Package mocks provides generated mock implementations for testing the
// publish pipeline.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks
// for the outbound ports. To regenerate after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	publisher := mocks.NewMockPublisher(ctrl)
//	publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(receipt, nil)
package mocks

// Generate mocks for the publisher-facing ports from internal/core.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=publisher_mock.go github.com/plumefeed/plume/internal/core Publisher,MetricsFetcher
