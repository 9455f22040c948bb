//
// Tencent is pleased to support the open source community by making trpc-methodcache-go available.
//
// Copyright (C) 2025 Tencent.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//
//

// Package telemetry holds the shared telemetry constants and helpers.
package telemetry

import (
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Service identity reported with every exported metric.
const (
	ServiceName      = "methodcache"
	ServiceVersion   = "v0.1.0"
	ServiceNamespace = "trpc-go-methodcache"
	InstrumentName   = "trpc.methodcache.go"
)

// NewConn connects to the OpenTelemetry Collector through gRPC.
func NewConn(endpoint string) (*grpc.ClientConn, error) {
	// Note the use of insecure transport here. TLS is recommended in
	// production.
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to collector: %w", err)
	}
	return conn, nil
}
