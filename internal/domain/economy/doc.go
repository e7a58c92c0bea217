// Package economy содержит доменную модель экономики ребёнка: монеты, гемы и
// энергию.
//
// Пакет определяет:
//
//   - Сущность State - строка kid_economy, единственный источник истины для
//     баланса ребёнка.
//   - Policy - константы экономики (максимум энергии, регенерация, лестница
//     цен покупки) и чистые функции над State.
//   - Repository - контракт хранилища, реализации находятся в
//     infrastructure/persistence.
//
// # Энергия
//
// Энергия восстанавливается лениво: фонового планировщика нет. Каждая
// изменяющая команда сначала вызывает Policy.ApplyPassiveRegen:
//
//	gained := policy.ApplyPassiveRegen(state, now)
//
// Если с момента LastEnergyRegenAt прошло меньше порога (5 минут), ничего не
// меняется, включая метку времени. Иначе добавляется floor(минуты/5), значение
// ограничивается MaxEnergy, а LastEnergyRegenAt сдвигается на now.
//
// # Покупка энергии
//
// Цена зависит от количества покупок за текущие календарные сутки в часовом
// поясе сервиса (30, 50, 100, далее 100). Счётчик сбрасывается на границе
// суток, а не через 24 часа после первой покупки.
//
//	receipt, err := policy.PurchaseEnergy(state, now)
//	if errors.Is(err, shared.ErrInsufficientFunds) {
//	    // state не изменён
//	}
//
// Пакет не имеет внешних зависимостей, кроме domain/shared и pkg/timeutil.
package economy
