package media_sdp

import "errors"

var (
	// ErrNoCompatibleCodec пересечение кодеков пустое
	ErrNoCompatibleCodec = errors.New("no compatible codec")
	// ErrNoMedia в описании нет аудио m= строки
	ErrNoMedia = errors.New("no audio media description")
	// ErrNoConnection нет c= строки ни на уровне сессии, ни на уровне медиа
	ErrNoConnection = errors.New("no connection information")
	// ErrHostNotLiteral в c= имя хоста вместо IP адреса
	ErrHostNotLiteral = errors.New("connection address is not an IP literal")
	// ErrMalformed описание не удалось разобрать
	ErrMalformed = errors.New("malformed session description")
)
