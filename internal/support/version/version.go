// Package version хранит имя и версию приложения для CLI и лога запуска.
package version

const (
	// Name — короткое имя приложения.
	Name = "quickreply-sync"
	// Version задаётся вручную при выпуске; ldflags не используем, чтобы
	// бинарь без сборочных флагов оставался осмысленным.
	Version = "0.3.0"
)
