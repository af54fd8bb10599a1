package vec

import "fmt"

// FixedShift число дробных бит в координатах протокола (1/32 блока)
const FixedShift = 5

// Location описывает положение игрока в фиксированной точке и его ориентацию.
// X, Y, Z хранятся в 1/32 блока, Yaw и Pitch в 1/256 оборота.
type Location struct {
	X     int32
	Y     int32
	Z     int32
	Yaw   uint8
	Pitch uint8
}

// LocationAt возвращает позицию в центре блока pos на уровне глаз
func LocationAt(pos Vec3) Location {
	return Location{
		X: int32(pos.X)<<FixedShift + 16,
		Y: int32(pos.Y)<<FixedShift + 51,
		Z: int32(pos.Z)<<FixedShift + 16,
	}
}

// Block возвращает координаты блока, в котором находится позиция
func (l Location) Block() Vec3 {
	return Vec3{
		X: int(l.X >> FixedShift),
		Y: int(l.Y >> FixedShift),
		Z: int(l.Z >> FixedShift),
	}
}

// Delta возвращает смещение от prev к l и признак того, что оно помещается в int8
func (l Location) Delta(prev Location) (dx, dy, dz int8, ok bool) {
	x := l.X - prev.X
	y := l.Y - prev.Y
	z := l.Z - prev.Z
	if x < -128 || x > 127 || y < -128 || y > 127 || z < -128 || z > 127 {
		return 0, 0, 0, false
	}
	return int8(x), int8(y), int8(z), true
}

// SamePosition сообщает, совпадают ли координаты без учёта ориентации
func (l Location) SamePosition(other Location) bool {
	return l.X == other.X && l.Y == other.Y && l.Z == other.Z
}

// String форматирует позицию в блоках с дробной частью
func (l Location) String() string {
	return fmt.Sprintf("(%.2f, %.2f, %.2f)",
		float64(l.X)/32, float64(l.Y)/32, float64(l.Z)/32)
}
