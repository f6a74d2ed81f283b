package repository

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("github.com/zhejian/shortlink/internal/repository")
