package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
)

var logger *log.Logger

func init() {
	path, err := os.Getwd()
	if err != nil {
		panic(err)
	}

	f, err := os.OpenFile(path+"/shloop_net.log", os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0666)
	if err != nil {
		// 打不开日志文件时退回标准错误，保证库还能用
		logger = log.New(os.Stderr, "", 0)
		return
	}

	logger = log.New(f, "", 0)
	Init("logger init success!")
}

// SetOutput 重定向日志输出，测试时用
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

func setPrefix(level string) {
	_, file, line, ok := runtime.Caller(2)
	total := ""
	if ok {
		total = fmt.Sprintf("[%s][%s:%d]", level, filepath.Base(file), line)
	} else {
		total = fmt.Sprintf("[%s]", level)
	}
	logger.SetPrefix(total)
}

func Init(v ...any) {
	setPrefix("INIT")
	logger.Println(v...)
}

func TraceF(fmt string, v ...any) {
	setPrefix("TRACE")
	logger.Printf(fmt, v...)
}

func Trace(v ...any) {
	setPrefix("TRACE")
	logger.Println(v...)
}

func DebugF(fmt string, v ...any) {
	setPrefix("DEBUG")
	logger.Printf(fmt, v...)
}

func Debug(v ...any) {
	setPrefix("DEBUG")
	logger.Println(v...)
}

func WarnF(fmt string, v ...any) {
	setPrefix("WARN")
	logger.Printf(fmt, v...)
}

func Warn(v ...any) {
	setPrefix("WARN")
	logger.Println(v...)
}

func ErrorF(fmt string, v ...any) {
	setPrefix("ERROR")
	logger.Printf(fmt, v...)
}

func Error(v ...any) {
	setPrefix("ERROR")
	logger.Println(v...)
}

func InfoF(fmt string, v ...any) {
	setPrefix("INFO")
	logger.Printf(fmt, v...)
}

func Info(v ...any) {
	setPrefix("INFO")
	logger.Println(v...)
}

func FatalF(fmt string, v ...any) {
	setPrefix("FATAL")
	logger.Printf(fmt, v...)
}

func Fatal(v ...any) {
	setPrefix("FATAL")
	logger.Fatalln(v...)
}
