// Команда agent — точка входа продавца-агента биржи.
// Загружает окружение и конфиги, захватывает блокировку единственного
// экземпляра и запускает приложение до сигнала завершения.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"funpay-agent/internal/app"
	"funpay-agent/internal/infra/config"
	"funpay-agent/internal/infra/locks"
	"funpay-agent/internal/infra/logger"
)

func main() {
	// envPath определяет расположение .env с операционными настройками.
	envPath := flag.String("env", ".env", "path to .env file")
	hashPassword := flag.Bool("hash-password", false,
		"read a secret key from the terminal and print its bcrypt hash")
	flag.Parse()

	if *hashPassword {
		hashPasswordMode()
		return
	}

	env, warnings, err := config.LoadEnv(*envPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load env:", err)
		os.Exit(1)
	}
	logger.Init(env.LogLevel)

	if env.Timezone != "" {
		loc, err := config.ParseLocation(env.Timezone)
		if err != nil {
			logger.Fatal("parse FPA_TIMEZONE: " + err.Error())
		}
		time.Local = loc //nolint:reassign // процесс работает в выбранной таймзоне
	}

	paths, err := config.NewPaths(env.BasePath)
	if err != nil {
		logger.Fatal("prepare directories: " + err.Error())
	}
	logger.SetFile(paths.LogFile())
	for _, w := range warnings {
		logger.Warn(w)
	}

	// Двойной запуск на одном каталоге данных портит курсоры и файлы товаров.
	lock, err := locks.AcquireProcessLock(paths.ProcessLock())
	if err != nil {
		if err == locks.ErrAlreadyLocked {
			logger.Fatal("another instance is already running on this data directory")
		}
		logger.Fatal("acquire process lock: " + err.Error())
	}
	defer lock.Release()
	writePID(paths.PIDFile())

	cfg, err := config.Load(paths)
	if err != nil {
		logger.Fatal("load configs: " + err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := app.NewApp(ctx, stop, cfg)
	if err := a.Run(); err != nil && ctx.Err() == nil {
		stop()
		logger.Fatal("agent stopped: " + err.Error())
	}
	logger.Info("graceful shutdown complete")
}

// hashPasswordMode читает секретный ключ без эха и печатает bcrypt-хэш для
// secretKeyHash в _main.cfg.
func hashPasswordMode() {
	fmt.Fprint(os.Stderr, "Secret key: ")
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read secret:", err)
		os.Exit(1)
	}
	if len(secret) == 0 {
		fmt.Fprintln(os.Stderr, "empty secret")
		os.Exit(1)
	}
	hash, err := bcrypt.GenerateFromPassword(secret, bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hash secret:", err)
		os.Exit(1)
	}
	fmt.Println(string(hash))
}

// writePID дублирует PID в отдельный файл для внешних скриптов.
func writePID(path string) {
	if err := os.WriteFile(path, []byte(fmt.Sprint(os.Getpid())), 0o600); err != nil {
		logger.Warnf("write pid file: %v", err)
	}
}
